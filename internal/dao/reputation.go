package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"strings"
	"time"
)

// AddReputation adds to the volume and failure aggregates of a scope
func (d *DB) AddReputation(ctx context.Context, scope, key string, volume, failures int64) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO reputation (scope, scope_key, volume, failures, blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, scope_key) DO UPDATE
		SET volume = reputation.volume + excluded.volume,
		    failures = reputation.failures + excluded.failures,
		    updated_at = excluded.updated_at
	`), scope, strings.ToLower(key), volume, failures, false, now())
	if err != nil {
		return fmt.Errorf("failed to update reputation %s/%s, %w", scope, key, err)
	}
	return nil
}

func (d *DB) GetReputation(ctx context.Context, scope, key string) (Reputation, error) {
	var r Reputation
	err := d.db.GetContext(ctx, &r, d.q(`
		SELECT * FROM reputation WHERE scope = ? AND scope_key = ?
	`), scope, strings.ToLower(key))
	return r, notFound(err)
}

func (d *DB) SetReputationBlocked(ctx context.Context, scope, key string, blocked bool) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO reputation (scope, scope_key, volume, failures, blocked, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT (scope, scope_key) DO UPDATE
		SET blocked = excluded.blocked, updated_at = excluded.updated_at
	`), scope, strings.ToLower(key), blocked, now())
	return err
}

// DecayReputation halves aggregates that has not been updated since before, keeping them recent
func (d *DB) DecayReputation(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE reputation SET volume = volume / 2, failures = failures / 2
		WHERE updated_at < ? AND volume > 0
	`), before.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) AddBlock(ctx context.Context, b Block) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO blocklist (kind, value, reason, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, value) DO UPDATE SET reason = excluded.reason
	`), b.Kind, strings.ToLower(b.Value), b.Reason, now())
	return err
}

func (d *DB) RemoveBlock(ctx context.Context, kind BlockKind, value string) error {
	_, err := d.db.ExecContext(ctx, d.q(`DELETE FROM blocklist WHERE kind = ? AND value = ?`), kind, strings.ToLower(value))
	return err
}

// FindBlock returns the first block matching any of the values, ErrNotFound if none does
func (d *DB) FindBlock(ctx context.Context, kind BlockKind, values ...string) (Block, error) {
	if len(values) == 0 {
		return Block{}, ErrNotFound
	}
	lower := make([]string, 0, len(values))
	for _, v := range values {
		lower = append(lower, strings.ToLower(v))
	}
	q, args, err := sqlx.In(`SELECT * FROM blocklist WHERE kind = ? AND value IN (?) ORDER BY value LIMIT 1`, kind, lower)
	if err != nil {
		return Block{}, err
	}
	var b Block
	err = d.db.GetContext(ctx, &b, d.q(q), args...)
	return b, notFound(err)
}

// IncrCounter atomically increments a named counter and returns the new value
func (d *DB) IncrCounter(ctx context.Context, name string, ttl time.Duration) (int64, error) {
	var hits int64
	ts := now()
	err := d.db.GetContext(ctx, &hits, d.q(`
		INSERT INTO counters (name, hits, expires_at) VALUES (?, 1, ?)
		ON CONFLICT (name) DO UPDATE SET hits = counters.hits + 1
		RETURNING hits
	`), name, ts.Add(ttl))
	return hits, err
}

func (d *DB) GetCounter(ctx context.Context, name string) (int64, error) {
	var hits int64
	err := d.db.GetContext(ctx, &hits, d.q(`
		SELECT hits FROM counters WHERE name = ? AND expires_at > ?
	`), name, now())
	if notFound(err) == ErrNotFound {
		return 0, nil
	}
	return hits, err
}

func (d *DB) PurgeCounters(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM counters WHERE expires_at < ?`), now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
