package events

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"sync"
	"time"
)

type Config struct {
	AMQPURL        string        `env:"AMQP_URL"`
	Exchange       string        `env:"EXCHANGE" envDefault:"posten-events"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
	Schedule       string        `env:"SCHEDULE" envDefault:"@every 5s"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100"`
}

type Store interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]dao.Event, error)
	MarkPublished(ctx context.Context, id zid.ID) error
}

// Publisher hands an event to the notification layer. A returned error leaves the event in the outbox.
type Publisher interface {
	Publish(ctx context.Context, e posten.Event) error
	Close() error
}

func FromOutbox(e dao.Event) posten.Event {
	return posten.Event{
		ID:        e.ID.String(),
		Event:     posten.EventName(e.Event),
		TenantID:  e.TenantID,
		MessageID: e.MessageID,
		JobID:     e.JobID,
		Recipient: e.Recipient,
		Info:      e.Info,
		CreatedAt: e.CreatedAt,
	}
}

// Dispatcher moves events from the outbox to a publisher, rows are only marked once published
type Dispatcher struct {
	cfg       Config
	store     Store
	publisher Publisher
	log       *logrus.Logger
	cron      *cron.Cron

	mu        sync.Mutex
	published *prometheus.CounterVec
}

func New(cfg Config, store Store, publisher Publisher, lc *tools.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := lc.New("events")
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		log:       logger,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
			cron.Recover(cron.PrintfLogger(logger)),
		)),
		published: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_events_published",
			Help: "Number of outbox events handed to the publisher",
		}, []string{"event", "status"}),
	}
}

// Flush publishes unpublished events in outbox order until the outbox is drained or a publish fails
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	for {
		batch, err := d.store.UnpublishedEvents(ctx, d.cfg.BatchSize)
		if err != nil {
			return count, fmt.Errorf("could not read outbox, %w", err)
		}
		for _, e := range batch {
			err = d.publisher.Publish(ctx, FromOutbox(e))
			if err != nil {
				d.published.WithLabelValues(e.Event, "error").Inc()
				return count, fmt.Errorf("could not publish event %s, %w", e.ID, err)
			}
			d.published.WithLabelValues(e.Event, "ok").Inc()

			err = d.store.MarkPublished(ctx, e.ID)
			if err != nil && !errors.Is(err, dao.ErrConflict) {
				return count, fmt.Errorf("could not mark event %s as published, %w", e.ID, err)
			}
			count++
		}
		if len(batch) < d.cfg.BatchSize {
			return count, nil
		}
	}
}

func (d *Dispatcher) Start() error {
	_, err := d.cron.AddFunc(d.cfg.Schedule, func() {
		n, err := d.Flush(context.Background())
		if err != nil {
			d.log.WithError(err).WithField("published", n).Warn("outbox flush stopped")
			return
		}
		if n > 0 {
			d.log.WithField("published", n).Debug("outbox flushed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid outbox schedule %q, %w", d.cfg.Schedule, err)
	}
	d.cron.Start()
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	select {
	case <-d.cron.Stop().Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	return errors.Join(err, d.publisher.Close())
}
