package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/posten/pkg/zid"
	"strings"
)

// InsertDomain claims a domain together with its first, active, dkim key
func (d *DB) InsertDomain(ctx context.Context, dom Domain, key DKIMKey) error {
	dom.Name = strings.ToLower(dom.Name)
	if dom.CreatedAt.IsZero() {
		dom.CreatedAt = now()
	}
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var taken int
		err := tx.GetContext(ctx, &taken, tx.Rebind(`SELECT count(*) FROM domains WHERE name = ?`), dom.Name)
		if err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("%w: %s", ErrDomainTaken, dom.Name)
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO domains (id, tenant_id, name, state, token, selector, created_at, verified_at)
			VALUES (:id, :tenant_id, :name, :state, :token, :selector, :created_at, :verified_at)
		`, dom)
		if err != nil {
			return fmt.Errorf("failed to insert domain %s, %w", dom.Name, err)
		}
		key.DomainID = dom.ID
		key.Active = true
		return insertKey(ctx, tx, key)
	})
}

func (d *DB) GetDomain(ctx context.Context, name string) (Domain, error) {
	var dom Domain
	err := d.db.GetContext(ctx, &dom, d.q(`SELECT * FROM domains WHERE name = ?`), strings.ToLower(name))
	return dom, notFound(err)
}

func (d *DB) GetDomainByID(ctx context.Context, id zid.ID) (Domain, error) {
	var dom Domain
	err := d.db.GetContext(ctx, &dom, d.q(`SELECT * FROM domains WHERE id = ?`), id)
	return dom, notFound(err)
}

func (d *DB) ListDomains(ctx context.Context, tenantID string) ([]Domain, error) {
	var doms []Domain
	err := d.db.SelectContext(ctx, &doms, d.q(`SELECT * FROM domains WHERE tenant_id = ? ORDER BY name`), tenantID)
	return doms, err
}

func (d *DB) ListDomainsByState(ctx context.Context, state DomainState) ([]Domain, error) {
	var doms []Domain
	err := d.db.SelectContext(ctx, &doms, d.q(`SELECT * FROM domains WHERE state = ? ORDER BY name`), state)
	return doms, err
}

// VerifiedDomainNames are the names of all domains that any tenant has verified
func (d *DB) VerifiedDomainNames(ctx context.Context) ([]string, error) {
	var names []string
	err := d.db.SelectContext(ctx, &names, d.q(`SELECT name FROM domains WHERE state = ?`), DomainVerified)
	return names, err
}

func (d *DB) SetDomainState(ctx context.Context, id zid.ID, state DomainState) error {
	var q string
	var args []interface{}
	switch state {
	case DomainVerified:
		q = `UPDATE domains SET state = ?, verified_at = ? WHERE id = ?`
		args = []interface{}{state, now(), id}
	default:
		q = `UPDATE domains SET state = ?, verified_at = NULL WHERE id = ?`
		args = []interface{}{state, id}
	}
	res, err := d.db.ExecContext(ctx, d.q(q), args...)
	if err != nil {
		return err
	}
	return affectedOne(res, "set domain state")
}
