package mta

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"strings"
)

type WorkerStore interface {
	GetMessage(ctx context.Context, id zid.ID) (dao.Message, error)
	GetContent(ctx context.Context, id zid.ID) ([]byte, error)
	GetRecipients(ctx context.Context, mid zid.ID) ([]dao.Recipient, error)
	UpdateRecipient(ctx context.Context, mid zid.ID, rcpt string, status dao.RecipientStatus, lastErr string) error
	AdvanceMessage(ctx context.Context, id zid.ID, to dao.MessageState) error
	InsertEvent(ctx context.Context, e dao.Event) error
}

type Signer interface {
	Sign(ctx context.Context, domain string, msg []byte) ([]byte, keystore.Signature, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req Request) Result
}

// Worker handles deliver-message jobs: it signs the stored message, hands it to the engine and
// keeps recipient and message state, and the events, in line with the outcome.
type Worker struct {
	cfg            Config
	platformDomain string
	store          WorkerStore
	signer         Signer
	engine         Deliverer
	log            *logrus.Logger
}

func NewWorker(cfg Config, platformDomain string, store WorkerStore, signer Signer, engine Deliverer, lc *tools.Logger) *Worker {
	if cfg.BounceLocal == "" {
		cfg.BounceLocal = "bounces"
	}
	return &Worker{
		cfg:            cfg,
		platformDomain: strings.ToLower(platformDomain),
		store:          store,
		signer:         signer,
		engine:         engine,
		log:            lc.New("mta-worker"),
	}
}

// Start registers the worker as the consumer of deliver-message jobs
func (w *Worker) Start(s *spool.Spool) {
	workers := w.cfg.Workers
	if workers < 1 {
		workers = 16
	}
	s.Process(spool.DeliverMessage, workers, w)
}

func (w *Worker) Handle(ctx context.Context, job spool.Job) error {
	d, ok := job.Payload.(spool.Delivery)
	if !ok {
		return spool.Permanent(fmt.Errorf("unexpected payload %T for %s", job.Payload, job.JobType))
	}
	log := w.log.WithField("jid", job.ID.String()).WithField("mid", d.MessageID.String()).WithField("rcpt", d.Recipient)

	m, err := w.store.GetMessage(ctx, d.MessageID)
	if errors.Is(err, dao.ErrNotFound) {
		return spool.Permanent(err)
	}
	if err != nil {
		return err
	}

	rcpts, err := w.store.GetRecipients(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, r := range rcpts {
		if r.Recipient == d.Recipient && r.Status.Terminal() {
			log.WithField("status", r.Status).Info("recipient already settled, skipping")
			return nil
		}
	}

	content, err := w.store.GetContent(ctx, m.ID)
	if err != nil {
		return err
	}

	w.advance(ctx, m.ID, dao.MessageSigning)
	signed, sig, err := w.signer.Sign(ctx, m.DKIMDomain, content)
	if err != nil {
		return fmt.Errorf("could not sign message, %w", err)
	}
	if sig.Fallback {
		log.WithField("domain", m.DKIMDomain).WithField("dkim", sig.Domain).Warn("message signed with platform key")
	}

	w.advance(ctx, m.ID, dao.MessageDelivering)
	res := w.engine.Deliver(ctx, Request{
		MessageID: m.ID,
		TenantID:  m.TenantID,
		From:      ReturnPath(w.cfg.BounceLocal, w.platformDomain, m.ID, d.Recipient),
		Recipient: d.Recipient,
		Content:   signed,
		Attempt:   job.Attempts,
	})

	switch res.Outcome {
	case dao.OutcomeSuccess:
		w.settle(ctx, m, d.Recipient, dao.RecipientDelivered, posten.EventDelivered, res.MX)
		return nil
	case dao.OutcomePermanent:
		w.settle(ctx, m, d.Recipient, dao.RecipientBounced, posten.EventBounce, res.Text)
		return nil
	}

	err = w.store.UpdateRecipient(ctx, m.ID, d.Recipient, dao.RecipientDeferred, res.Text)
	if err != nil {
		log.WithError(err).Error("could not update recipient")
	}
	w.event(ctx, m, d.Recipient, posten.EventDeferred, res.Text)
	return res.Err()
}

// Failed is called by the spool when the retries of a delivery are exhausted
func (w *Worker) Failed(ctx context.Context, job spool.Job, err error) {
	d, ok := job.Payload.(spool.Delivery)
	if !ok {
		return
	}
	m, gerr := w.store.GetMessage(ctx, d.MessageID)
	if gerr != nil {
		w.log.WithError(gerr).WithField("mid", d.MessageID.String()).Error("could not read message of failed job")
		return
	}
	// the failure event itself is written by the spool together with the job state
	uerr := w.store.UpdateRecipient(ctx, m.ID, d.Recipient, dao.RecipientFailed, err.Error())
	if uerr != nil {
		w.log.WithError(uerr).WithField("mid", m.ID.String()).Error("could not mark recipient failed")
		return
	}
	w.aggregate(ctx, m)
}

// Bounce marks a recipient as bounced from an asynchronous delivery status notification
func (w *Worker) Bounce(ctx context.Context, mid zid.ID, rcpt string, info string) error {
	m, err := w.store.GetMessage(ctx, mid)
	if err != nil {
		return err
	}
	rcpts, err := w.store.GetRecipients(ctx, mid)
	if err != nil {
		return err
	}
	rcpt = strings.ToLower(rcpt)
	if !slicez.ContainsBy(rcpts, func(r dao.Recipient) bool { return r.Recipient == rcpt }) {
		return fmt.Errorf("recipient %s of message %s, %w", rcpt, mid, dao.ErrNotFound)
	}
	w.settle(ctx, m, rcpt, dao.RecipientBounced, posten.EventBounce, info)
	return nil
}

func (w *Worker) settle(ctx context.Context, m dao.Message, rcpt string, status dao.RecipientStatus, event posten.EventName, info string) {
	err := w.store.UpdateRecipient(ctx, m.ID, rcpt, status, lastError(status, info))
	if err != nil {
		w.log.WithError(err).WithField("mid", m.ID.String()).WithField("rcpt", rcpt).Error("could not update recipient")
	}
	w.event(ctx, m, rcpt, event, info)
	w.aggregate(ctx, m)
}

func lastError(status dao.RecipientStatus, info string) string {
	if status == dao.RecipientDelivered {
		return ""
	}
	return info
}

func (w *Worker) event(ctx context.Context, m dao.Message, rcpt string, name posten.EventName, info string) {
	err := w.store.InsertEvent(ctx, dao.Event{
		ID:        zid.New(),
		Event:     name.String(),
		TenantID:  m.TenantID,
		MessageID: m.ID.String(),
		Recipient: rcpt,
		Info:      info,
	})
	if err != nil {
		w.log.WithError(err).WithField("mid", m.ID.String()).WithField("event", name).Error("could not write event")
	}
}

func (w *Worker) aggregate(ctx context.Context, m dao.Message) {
	rcpts, err := w.store.GetRecipients(ctx, m.ID)
	if err != nil {
		w.log.WithError(err).WithField("mid", m.ID.String()).Error("could not read recipients")
		return
	}
	state, ok := dao.AggregateState(rcpts)
	if !ok {
		return
	}
	w.advance(ctx, m.ID, state)
}

// advance moves the message forward, a message already past the state is left as is since
// its recipients are delivered concurrently
func (w *Worker) advance(ctx context.Context, mid zid.ID, to dao.MessageState) {
	err := w.store.AdvanceMessage(ctx, mid, to)
	if errors.Is(err, dao.ErrInvalidTransition) {
		w.log.WithField("mid", mid.String()).Debugf("message not moved to %s: %v", to, err)
		return
	}
	if err != nil {
		w.log.WithError(err).WithField("mid", mid.String()).Errorf("could not move message to %s", to)
	}
}
