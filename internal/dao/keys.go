package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/posten/pkg/zid"
	"strings"
)

func insertKey(ctx context.Context, tx *sqlx.Tx, key DKIMKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now()
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO dkim_keys (id, domain_id, selector, algorithm, bits, private_key, public_key, active, created_at)
		VALUES (:id, :domain_id, :selector, :algorithm, :bits, :private_key, :public_key, :active, :created_at)
	`, key)
	if err != nil {
		return fmt.Errorf("failed to insert dkim key for domain %s, %w", key.DomainID, err)
	}
	return nil
}

// GetActiveKey returns the active key of a domain by name
func (d *DB) GetActiveKey(ctx context.Context, domain string) (DKIMKey, error) {
	var key DKIMKey
	err := d.db.GetContext(ctx, &key, d.q(`
		SELECT k.*
		FROM dkim_keys k
		JOIN domains d ON d.id = k.domain_id
		WHERE d.name = ?
		  AND k.active = ?
	`), strings.ToLower(domain), true)
	return key, notFound(err)
}

func (d *DB) ListKeys(ctx context.Context, domainID zid.ID) ([]DKIMKey, error) {
	var keys []DKIMKey
	err := d.db.SelectContext(ctx, &keys, d.q(`
		SELECT * FROM dkim_keys WHERE domain_id = ? ORDER BY created_at, id
	`), domainID)
	return keys, err
}

// AddKey stores a key for a domain, activating it if the domain has no active key
func (d *DB) AddKey(ctx context.Context, key DKIMKey) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var active int
		err := tx.GetContext(ctx, &active, tx.Rebind(`
			SELECT count(*) FROM dkim_keys WHERE domain_id = ? AND active = ?
		`), key.DomainID, true)
		if err != nil {
			return err
		}
		key.Active = active == 0
		return insertKey(ctx, tx, key)
	})
}

// RotateKey stores next as an inactive key, confirms it was stored, and then
// flips the active flag from the old key to the new one and points the domain at
// the new selector. Everything happens in one transaction so readers see either
// the old or the new key as active.
func (d *DB) RotateKey(ctx context.Context, next DKIMKey) (DKIMKey, error) {
	next.Active = false
	var rotated DKIMKey
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		err := insertKey(ctx, tx, next)
		if err != nil {
			return err
		}

		var stored DKIMKey
		err = tx.GetContext(ctx, &stored, tx.Rebind(`SELECT * FROM dkim_keys WHERE id = ?`), next.ID)
		if err != nil {
			return fmt.Errorf("could not confirm new key %s was stored, %w", next.ID, notFound(err))
		}
		if stored.PrivateKey != next.PrivateKey {
			return fmt.Errorf("%w: stored key %s does not match", ErrConflict, next.ID)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE dkim_keys SET active = ? WHERE domain_id = ? AND active = ?
		`), false, next.DomainID, true)
		if err != nil {
			return fmt.Errorf("could not deactivate old key, %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE dkim_keys SET active = ? WHERE id = ?
		`), true, next.ID)
		if err != nil {
			return fmt.Errorf("could not activate new key, %w", err)
		}
		if err := affectedOne(res, "activate key"); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE domains SET selector = ? WHERE id = ?
		`), next.Selector, next.DomainID)
		if err != nil {
			return fmt.Errorf("could not update selector of domain %s, %w", next.DomainID, err)
		}
		if err := affectedOne(res, "update domain selector"); err != nil {
			return err
		}

		return tx.GetContext(ctx, &rotated, tx.Rebind(`SELECT * FROM dkim_keys WHERE id = ?`), next.ID)
	})
	if err != nil {
		return DKIMKey{}, err
	}
	return rotated, nil
}
