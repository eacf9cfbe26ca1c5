package dao

import (
	"context"
	"fmt"
)

func (d *DB) InsertTenant(ctx context.Context, t Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at)
		VALUES (:id, :name, :created_at)
	`, t)
	if err != nil {
		return fmt.Errorf("failed to insert tenant %s, %w", t.ID, err)
	}
	return nil
}

func (d *DB) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := d.db.GetContext(ctx, &t, d.q(`SELECT * FROM tenants WHERE id = ?`), id)
	return t, notFound(err)
}

func (d *DB) ListTenants(ctx context.Context) ([]Tenant, error) {
	var ts []Tenant
	err := d.db.SelectContext(ctx, &ts, `SELECT * FROM tenants ORDER BY id`)
	return ts, err
}

func (d *DB) InsertCredential(ctx context.Context, c Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, kind, secret_hash, created_at)
		VALUES (:id, :tenant_id, :kind, :secret_hash, :created_at)
	`, c)
	if err != nil {
		return fmt.Errorf("failed to insert credential for tenant %s, %w", c.TenantID, err)
	}
	return nil
}

// GetCredential returns a credential that is not revoked
func (d *DB) GetCredential(ctx context.Context, id string) (Credential, error) {
	var c Credential
	err := d.db.GetContext(ctx, &c, d.q(`
		SELECT * FROM credentials WHERE id = ? AND revoked_at IS NULL
	`), id)
	return c, notFound(err)
}

func (d *DB) RevokeCredential(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE credentials SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`), now(), id)
	if err != nil {
		return err
	}
	return affectedOne(res, "revoke credential")
}
