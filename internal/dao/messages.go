package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/posten/pkg/zid"
	"time"
)

// NewMessage is a message with its content, recipients and the jobs and events it starts out with
type NewMessage struct {
	Message    Message
	Content    []byte
	Recipients []string
	Jobs       []Job
	Events     []Event
}

// InsertMessage stores a message with its content, recipients and jobs in one transaction,
// a message is never visible without the jobs that will process it
func (d *DB) InsertMessage(ctx context.Context, m Message, content []byte, recipients []string, jobs []Job) error {
	return d.InsertMessages(ctx, NewMessage{Message: m, Content: content, Recipients: recipients, Jobs: jobs})
}

// InsertMessages stores all messages, or none of them, in one transaction
func (d *DB) InsertMessages(ctx context.Context, ms ...NewMessage) error {
	ts := now()
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, nm := range ms {
			err := insertMessage(ctx, tx, nm, ts)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, nm NewMessage, ts time.Time) error {
	m := nm.Message
	if m.CreatedAt.IsZero() {
		m.CreatedAt = ts
	}
	m.UpdatedAt = ts
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, source, envelope_from, header_from, original_from, dkim_domain,
		                      rewritten, subject, size, risk_score, state, created_at, updated_at)
		VALUES (:id, :tenant_id, :source, :envelope_from, :header_from, :original_from, :dkim_domain,
		        :rewritten, :subject, :size, :risk_score, :state, :created_at, :updated_at)
	`, m)
	if err != nil {
		return fmt.Errorf("failed to insert into messages, %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO message_content (message_id, content) VALUES (?, ?)`), m.ID, string(nm.Content))
	if err != nil {
		return fmt.Errorf("failed to insert into message_content, %w", err)
	}

	for _, rcpt := range nm.Recipients {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO message_recipients (message_id, recipient, status, updated_at)
			VALUES (?, ?, ?, ?)
		`), m.ID, rcpt, RecipientPending, ts)
		if err != nil {
			return fmt.Errorf("failed to insert recipient %s, %w", rcpt, err)
		}
	}

	for _, j := range nm.Jobs {
		err = insertJob(ctx, tx, j)
		if err != nil {
			return err
		}
	}

	for _, e := range nm.Events {
		err = insertEvent(ctx, tx, e)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) GetMessage(ctx context.Context, id zid.ID) (Message, error) {
	var m Message
	err := d.db.GetContext(ctx, &m, d.q(`SELECT * FROM messages WHERE id = ?`), id)
	return m, notFound(err)
}

func (d *DB) GetTenantMessage(ctx context.Context, tenantID string, id zid.ID) (Message, error) {
	var m Message
	err := d.db.GetContext(ctx, &m, d.q(`SELECT * FROM messages WHERE id = ? AND tenant_id = ?`), id, tenantID)
	return m, notFound(err)
}

func (d *DB) GetContent(ctx context.Context, id zid.ID) ([]byte, error) {
	var content string
	err := d.db.GetContext(ctx, &content, d.q(`SELECT content FROM message_content WHERE message_id = ?`), id)
	return []byte(content), notFound(err)
}

// AdvanceMessage moves a message to the given state if the lifecycle allows it from the current one.
// Moving to the current state is a no op.
func (d *DB) AdvanceMessage(ctx context.Context, id zid.ID, to MessageState) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var from MessageState
		err := tx.GetContext(ctx, &from, tx.Rebind(`SELECT state FROM messages WHERE id = ?`), id)
		if err != nil {
			return notFound(err)
		}
		if from == to {
			return nil
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: message %s, %s -> %s", ErrInvalidTransition, id, from, to)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE messages SET state = ?, updated_at = ? WHERE id = ? AND state = ?
		`), to, now(), id, from)
		if err != nil {
			return err
		}
		return affectedOne(res, "advance message")
	})
}

func (d *DB) GetRecipients(ctx context.Context, mid zid.ID) ([]Recipient, error) {
	var rs []Recipient
	err := d.db.SelectContext(ctx, &rs, d.q(`
		SELECT * FROM message_recipients WHERE message_id = ? ORDER BY recipient
	`), mid)
	return rs, err
}

// UpdateRecipient sets the delivery status of one recipient, attempts is incremented unless the status is pending
func (d *DB) UpdateRecipient(ctx context.Context, mid zid.ID, rcpt string, status RecipientStatus, lastErr string) error {
	inc := 1
	if status == RecipientPending {
		inc = 0
	}
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE message_recipients
		SET status = ?, last_error = ?, attempts = attempts + ?, updated_at = ?
		WHERE message_id = ? AND recipient = ?
	`), status, lastErr, inc, now(), mid, rcpt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("recipient %s of message %s, %w", rcpt, mid, ErrNotFound)
	}
	return nil
}

// InsertAttempt appends to the delivery audit trail, attempts are never updated
func (d *DB) InsertAttempt(ctx context.Context, a DeliveryAttempt) error {
	if a.ID.IsZero() {
		a.ID = zid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO delivery_attempts (id, message_id, recipient, mx, attempt, outcome, code, response, created_at)
		VALUES (:id, :message_id, :recipient, :mx, :attempt, :outcome, :code, :response, :created_at)
	`, a)
	if err != nil {
		return fmt.Errorf("failed to insert delivery attempt, %w", err)
	}
	return nil
}

func (d *DB) ListAttempts(ctx context.Context, mid zid.ID) ([]DeliveryAttempt, error) {
	var as []DeliveryAttempt
	err := d.db.SelectContext(ctx, &as, d.q(`
		SELECT * FROM delivery_attempts WHERE message_id = ? ORDER BY created_at, id
	`), mid)
	return as, err
}
