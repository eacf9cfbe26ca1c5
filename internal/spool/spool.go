package spool

import (
	"context"
	"errors"
	"fmt"
	"github.com/alitto/pond"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/internal/signals"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"strings"
	"sync"
	"time"
)

var ErrStalled = errors.New("job lease expired before it was completed")

type Config struct {
	BaseBackoff       time.Duration `env:"BASE_BACKOFF" envDefault:"1m"`
	MaxBackoff        time.Duration `env:"MAX_BACKOFF" envDefault:"4h"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"12"`
	RetryWindow       time.Duration `env:"RETRY_WINDOW" envDefault:"72h"`
	Lease             time.Duration `env:"LEASE" envDefault:"10m"`
	TenantConcurrency int           `env:"TENANT_CONCURRENCY" envDefault:"4"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	ReaperSchedule    string        `env:"REAPER_SCHEDULE" envDefault:"@every 30s"`
}

type Store interface {
	InsertJob(ctx context.Context, j dao.Job) error
	InsertMessages(ctx context.Context, ms ...dao.NewMessage) error
	GetJob(ctx context.Context, id zid.ID) (dao.Job, error)
	ClaimJob(ctx context.Context, jobType string, tenantCap int, lease time.Duration) (dao.Job, error)
	ExtendLease(ctx context.Context, id zid.ID, lease string, until time.Time) error
	CompleteJob(ctx context.Context, id zid.ID, lease string) error
	RetryJob(ctx context.Context, id zid.ID, lease string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id zid.ID, lease string, lastErr string, event dao.Event) error
	StalledJobs(ctx context.Context, at time.Time, limit int) ([]dao.Job, error)
	JobStats(ctx context.Context) ([]dao.JobCount, error)
}

// Handler processes a claimed job. Returning nil completes the job, an error wrapped by Permanent
// fails it right away and any other error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Failer is implemented by handlers that need to know when a job has reached its terminal failed state
type Failer interface {
	Failed(ctx context.Context, job Job, err error)
}

type permanent struct {
	err error
}

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

type Options struct {
	// Priority, higher runs first within a tenant
	Priority int
	Delay    time.Duration
	// MaxAttempts and RetryWindow overrides the configured defaults when set
	MaxAttempts int
	RetryWindow time.Duration
}

type Spool struct {
	cfg   Config
	store Store
	log   *logrus.Logger
	cron  *cron.Cron

	ctx    context.Context
	cancel func()

	mu       sync.Mutex
	handlers map[JobType]Handler
	signals  *signals.Hub
	pools    []*pond.WorkerPool
	wg       sync.WaitGroup

	ostart sync.Once
	ostop  sync.Once

	outcomes *prometheus.CounterVec
}

func New(cfg Config, store Store, lc *tools.Logger, m *metrics.Metrics) *Spool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 12
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	logger := lc.New("spool")
	ctx, cancel := context.WithCancel(context.Background())
	return &Spool{
		cfg:      cfg,
		store:    store,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: map[JobType]Handler{},
		signals:  signals.New(),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
			cron.Recover(cron.PrintfLogger(logger)),
		)),
		outcomes: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_spool_jobs",
			Help: "Number of settled jobs by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

// Start schedules the stalled job reaper
func (s *Spool) Start() error {
	var err error
	s.ostart.Do(func() {
		schedule := s.cfg.ReaperSchedule
		if schedule == "" {
			schedule = "@every 30s"
		}
		_, err = s.cron.AddFunc(schedule, func() {
			n, err := s.Reap(s.ctx)
			if err != nil {
				s.log.WithError(err).Error("could not reap stalled jobs")
				return
			}
			if n > 0 {
				s.log.Infof("reaped %d stalled jobs", n)
			}
		})
		if err != nil {
			err = fmt.Errorf("invalid reaper schedule %q, %w", schedule, err)
			return
		}
		s.cron.Start()
		s.log.Info("spool started")
	})
	return err
}

func (s *Spool) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		s.cancel()
		cronDone := s.cron.Stop()

		s.mu.Lock()
		pools := s.pools
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			for _, p := range pools {
				p.StopAndWait()
			}
			<-cronDone.Done()
			close(done)
		}()

		select {
		case <-done:
			s.log.Info("spool has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// NewJob builds a queued job for p without storing it
func (s *Spool) NewJob(tenantID string, p Payload, opts Options) (dao.Job, error) {
	payload, err := encode(p)
	if err != nil {
		return dao.Job{}, err
	}
	now := time.Now()
	window := s.cfg.RetryWindow
	if opts.RetryWindow > 0 {
		window = opts.RetryWindow
	}
	j := dao.Job{
		ID:          zid.New(),
		TenantID:    tenantID,
		JobType:     string(p.Type()),
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: s.cfg.MaxAttempts,
		RunAt:       now.Add(opts.Delay),
	}
	if opts.MaxAttempts > 0 {
		j.MaxAttempts = opts.MaxAttempts
	}
	if window > 0 {
		j.Deadline = now.Add(opts.Delay).Add(window)
	}
	return j, nil
}

func (s *Spool) Enqueue(ctx context.Context, tenantID string, p Payload, opts Options) (zid.ID, error) {
	j, err := s.NewJob(tenantID, p, opts)
	if err != nil {
		return zid.ID{}, err
	}
	err = s.store.InsertJob(ctx, j)
	if err != nil {
		return zid.ID{}, err
	}
	s.log.WithField("jid", j.ID.String()).WithField("tenant", tenantID).WithField("type", j.JobType).Debug("job enqueued")
	if opts.Delay <= 0 {
		s.signals.Notify(signals.Signal(j.JobType))
	}
	return j.ID, nil
}

// Item is a message to enqueue with one job per payload, events are stored along with it
type Item struct {
	Message    dao.Message
	Content    []byte
	Recipients []string
	Payloads   []Payload
	Events     []dao.Event
	Options    Options
}

// EnqueueMessage stores the message together with one job per payload in a single transaction
func (s *Spool) EnqueueMessage(ctx context.Context, m dao.Message, content []byte, recipients []string, payloads []Payload, opts Options) ([]zid.ID, error) {
	ids, err := s.EnqueueMessages(ctx, Item{Message: m, Content: content, Recipients: recipients, Payloads: payloads, Options: opts})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// EnqueueMessages stores every item in a single transaction, either all messages are queued or none is.
// The job ids are returned per item.
func (s *Spool) EnqueueMessages(ctx context.Context, items ...Item) ([][]zid.ID, error) {
	ms := make([]dao.NewMessage, 0, len(items))
	for _, it := range items {
		nm := dao.NewMessage{Message: it.Message, Content: it.Content, Recipients: it.Recipients, Events: it.Events}
		for _, p := range it.Payloads {
			j, err := s.NewJob(it.Message.TenantID, p, it.Options)
			if err != nil {
				return nil, err
			}
			nm.Jobs = append(nm.Jobs, j)
		}
		ms = append(ms, nm)
	}

	err := s.store.InsertMessages(ctx, ms...)
	if err != nil {
		mids := slicez.Map(items, func(it Item) string { return it.Message.ID.String() })
		return nil, fmt.Errorf("could not enqueue messages %s, %w", strings.Join(mids, ", "), err)
	}

	ids := make([][]zid.ID, 0, len(ms))
	var wake []string
	for i, nm := range ms {
		ids = append(ids, slicez.Map(nm.Jobs, func(j dao.Job) zid.ID { return j.ID }))
		s.log.WithField("mid", nm.Message.ID.String()).WithField("tenant", nm.Message.TenantID).Debugf("message enqueued with %d jobs", len(nm.Jobs))
		if items[i].Options.Delay <= 0 {
			wake = append(wake, slicez.Map(nm.Jobs, func(j dao.Job) string { return j.JobType })...)
		}
	}
	for _, t := range slicez.Uniq(wake) {
		s.signals.Broadcast(signals.Signal(t))
	}
	return ids, nil
}

func (s *Spool) Status(ctx context.Context, id zid.ID) (dao.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Spool) Stats(ctx context.Context) ([]dao.JobCount, error) {
	return s.store.JobStats(ctx)
}

// Backoff is the delay before the next attempt, given the attempt that just failed
func (s *Spool) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(d, s.cfg.MaxBackoff)
}

// Process consumes jobs of jobType with at most concurrency jobs in flight until the spool is stopped
func (s *Spool) Process(jobType JobType, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	pool := pond.New(concurrency, 0, pond.PanicHandler(func(p interface{}) {
		s.log.WithField("type", jobType).Errorf("job handler panicked: %v", p)
	}))

	s.mu.Lock()
	s.handlers[jobType] = h
	s.pools = append(s.pools, pool)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(jobType, concurrency, pool, h)
	}()
}

func (s *Spool) consume(jobType JobType, concurrency int, pool *pond.WorkerPool, h Handler) {
	wake := s.signals.Listen(signals.Signal(jobType))
	defer wake.Close()

	s.log.WithField("type", jobType).Infof("consuming jobs with %d workers", concurrency)
	slots := make(chan struct{}, concurrency)
	for {
		select {
		case <-s.ctx.Done():
			return
		case slots <- struct{}{}:
		}

		job, err := s.store.ClaimJob(s.ctx, string(jobType), s.cfg.TenantConcurrency, s.cfg.Lease)
		if err != nil {
			<-slots
			if !errors.Is(err, dao.ErrNotFound) && s.ctx.Err() == nil {
				s.log.WithError(err).WithField("type", jobType).Error("could not claim job")
			}
			select {
			case <-s.ctx.Done():
				return
			case <-wake.C:
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		pool.Submit(func() {
			defer func() { <-slots }()
			s.run(job, h)
		})
	}
}

func (s *Spool) run(j dao.Job, h Handler) {
	log := s.log.WithField("jid", j.ID.String()).WithField("tenant", j.TenantID).WithField("type", j.JobType)

	payload, err := Decode(j)
	if err != nil {
		s.settle(context.WithoutCancel(s.ctx), Job{Job: j}, Permanent(err))
		return
	}
	job := Job{Job: j, Payload: payload}

	ctx, cancel := context.WithCancel(s.ctx)
	go s.heartbeat(ctx, j)
	log.Debugf("running attempt %d", j.Attempts)
	err = h.Handle(ctx, job)
	cancel()

	s.settle(context.WithoutCancel(s.ctx), job, err)
}

// heartbeat keeps the lease alive while the handler is running
func (s *Spool) heartbeat(ctx context.Context, j dao.Job) {
	ticker := time.NewTicker(max(s.cfg.Lease/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := s.store.ExtendLease(ctx, j.ID, j.Lease, now.Add(s.cfg.Lease))
			if err != nil && ctx.Err() == nil {
				s.log.WithError(err).WithField("jid", j.ID.String()).Warn("could not extend lease")
			}
		}
	}
}

func (s *Spool) settle(ctx context.Context, job Job, err error) {
	log := s.log.WithField("jid", job.ID.String()).WithField("tenant", job.TenantID).WithField("type", job.JobType)

	if err == nil {
		if cerr := s.store.CompleteJob(ctx, job.ID, job.Lease); cerr != nil {
			log.WithError(cerr).Error("could not complete job")
			return
		}
		s.outcomes.WithLabelValues(job.JobType, "done").Inc()
		log.Debug("job done")
		return
	}

	next := time.Now().Add(s.Backoff(job.Attempts))
	var reason string
	switch {
	case IsPermanent(err):
		reason = "permanent error"
	case job.Attempts >= job.MaxAttempts:
		reason = fmt.Sprintf("gave up after %d attempts", job.Attempts)
	case !job.Deadline.IsZero() && next.After(job.Deadline):
		reason = "retry window has passed"
	}

	if reason == "" {
		if rerr := s.store.RetryJob(ctx, job.ID, job.Lease, next, err.Error()); rerr != nil {
			log.WithError(rerr).Error("could not schedule retry of job")
			return
		}
		s.outcomes.WithLabelValues(job.JobType, "retry").Inc()
		log.WithError(err).Infof("attempt %d failed, retrying at %s", job.Attempts, next.Format(time.RFC3339))
		return
	}

	mid, rcpt := subject(job.Payload)
	event := dao.Event{
		ID:        zid.New(),
		Event:     posten.EventFailed.String(),
		TenantID:  job.TenantID,
		MessageID: mid,
		Recipient: rcpt,
		Info:      fmt.Sprintf("%s: %v", reason, err),
	}
	if ferr := s.store.FailJob(ctx, job.ID, job.Lease, err.Error(), event); ferr != nil {
		log.WithError(ferr).Error("could not fail job")
		return
	}
	s.outcomes.WithLabelValues(job.JobType, "failed").Inc()
	log.WithError(err).WithField("reason", reason).Warn("job failed")

	s.mu.Lock()
	h := s.handlers[JobType(job.JobType)]
	s.mu.Unlock()
	if f, ok := h.(Failer); ok && job.Payload != nil {
		f.Failed(ctx, job, err)
	}
}

// Reap retries, or fails, active jobs whose lease has expired. The stalled run counts as an attempt.
func (s *Spool) Reap(ctx context.Context) (int, error) {
	stalled, err := s.store.StalledJobs(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}
	for _, j := range stalled {
		payload, err := Decode(j)
		if err != nil {
			s.settle(ctx, Job{Job: j}, Permanent(err))
			continue
		}
		s.settle(ctx, Job{Job: j, Payload: payload}, ErrStalled)
	}
	return len(stalled), nil
}
