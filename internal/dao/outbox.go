package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/posten/pkg/zid"
)

func insertEvent(ctx context.Context, tx *sqlx.Tx, e Event) error {
	if e.ID.IsZero() {
		e.ID = zid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO event_outbox (id, event, tenant_id, message_id, recipient, job_id, info, created_at)
		VALUES (:id, :event, :tenant_id, :message_id, :recipient, :job_id, :info, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("failed to insert %s event, %w", e.Event, err)
	}
	return nil
}

func (d *DB) InsertEvent(ctx context.Context, e Event) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertEvent(ctx, tx, e)
	})
}

func (d *DB) UnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	var es []Event
	err := d.db.SelectContext(ctx, &es, d.q(`
		SELECT * FROM event_outbox WHERE published_at IS NULL ORDER BY created_at, id LIMIT ?
	`), limit)
	return es, err
}

func (d *DB) ListEvents(ctx context.Context, messageID string) ([]Event, error) {
	var es []Event
	err := d.db.SelectContext(ctx, &es, d.q(`
		SELECT * FROM event_outbox WHERE message_id = ? ORDER BY created_at, id
	`), messageID)
	return es, err
}

func (d *DB) MarkPublished(ctx context.Context, id zid.ID) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE event_outbox SET published_at = ? WHERE id = ? AND published_at IS NULL
	`), now(), id)
	if err != nil {
		return err
	}
	return affectedOne(res, "mark event published")
}
