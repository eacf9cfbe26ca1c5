package events

import (
	"context"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/pkg/zid"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, p spool.Payload, opts spool.Options) (zid.ID, error)
}

// Jobs publishes events as webhook-event jobs, used when no broker is configured
type Jobs struct {
	spool Enqueuer
}

func NewJobs(s Enqueuer) *Jobs {
	return &Jobs{spool: s}
}

func (j *Jobs) Publish(ctx context.Context, e posten.Event) error {
	id, err := zid.FromString(e.ID)
	if err != nil {
		return err
	}
	_, err = j.spool.Enqueue(ctx, e.TenantID, spool.Webhook{
		EventID:   id,
		Event:     e.Event.String(),
		MessageID: e.MessageID,
		Recipient: e.Recipient,
		Info:      e.Info,
	}, spool.Options{})
	return err
}

func (j *Jobs) Close() error {
	return nil
}
