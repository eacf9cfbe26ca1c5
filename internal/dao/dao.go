package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict, row was changed by someone else")
var ErrInvalidTransition = errors.New("invalid state transition")
var ErrDomainTaken = errors.New("domain is already claimed")

type Config struct {
	URI          string `env:"URI" envDefault:"./posten.sqlite"` // sqlite file path, or postgres://...
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"8"`
}

type DB struct {
	db     *sqlx.DB
	log    *logrus.Logger
	driver string
}

// New connects to sqlite, or postgres if the uri has a postgres scheme, and ensures the schema
func New(cfg Config, lc *tools.Logger) (*DB, error) {
	d := &DB{log: lc.New("dao")}

	var dsn string
	switch {
	case strings.HasPrefix(cfg.URI, "postgres://"), strings.HasPrefix(cfg.URI, "postgresql://"):
		d.driver = "postgres"
		dsn = cfg.URI
	default:
		d.driver = "sqlite3"
		dsn = sqliteDSN(cfg.URI)
	}

	d.log.WithField("driver", d.driver).Info("connecting to db")
	db, err := sqlx.Connect(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error while connecting, %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	d.db = db

	if d.driver == "sqlite3" {
		err = d.tuneDatabase()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	err = d.ensureSchema()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(path, "?") {
		return "file:" + path + "&" + params
	}
	return "file:" + path + "?" + params
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) q(query string) string {
	return d.db.Rebind(query)
}

func now() time.Time {
	return time.Now().In(time.UTC)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	tx, err = d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()
	return fn(tx)
}

func affectedOne(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%w: %d rows was affected by %s", ErrConflict, affected, what)
	}
	return nil
}

func (d *DB) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;`
	_, err := d.db.Exec(q)
	return err
}

func (d *DB) ensureSchema() error {
	_, err := d.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	_, err = d.db.Exec(d.q(`
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), PlatformTenant, "platform", now())
	if err != nil {
		return fmt.Errorf("could not ensure platform tenant, %w", err)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		kind TEXT NOT NULL, -- api, smtp
		secret_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL, -- pending, verified
		token TEXT NOT NULL,
		selector TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		verified_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_domains_tenant ON domains(tenant_id);

	CREATE TABLE IF NOT EXISTS dkim_keys (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id),
		selector TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		bits INTEGER NOT NULL,
		private_key TEXT NOT NULL,
		public_key TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_dkim_keys_active ON dkim_keys(domain_id) WHERE active;
	CREATE UNIQUE INDEX IF NOT EXISTS ux_dkim_keys_selector ON dkim_keys(domain_id, selector);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		source TEXT NOT NULL,
		envelope_from TEXT NOT NULL,
		header_from TEXT NOT NULL,
		original_from TEXT NOT NULL,
		dkim_domain TEXT NOT NULL,
		rewritten BOOLEAN NOT NULL,
		subject TEXT NOT NULL,
		size INTEGER NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_tenant ON messages(tenant_id);

	CREATE TABLE IF NOT EXISTS message_content (
		message_id TEXT PRIMARY KEY REFERENCES messages(id),
		content TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_recipients (
		message_id TEXT NOT NULL REFERENCES messages(id),
		recipient TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, recipient)
	);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id),
		recipient TEXT NOT NULL,
		mx TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		outcome TEXT NOT NULL, -- success, temporary-failure, permanent-failure
		code INTEGER NOT NULL,
		response TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_message ON delivery_attempts(message_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL, -- queued, active, done, failed
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		run_at TIMESTAMP NOT NULL,
		locked_until TIMESTAMP,
		lease TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		deadline TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_lane ON jobs(job_type, state, tenant_id, run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_stalled ON jobs(state, locked_until);

	CREATE TABLE IF NOT EXISTS queue_lanes (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		job_type TEXT NOT NULL,
		last_claimed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, job_type)
	);

	CREATE TABLE IF NOT EXISTS reputation (
		scope TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		volume BIGINT NOT NULL DEFAULT 0,
		failures BIGINT NOT NULL DEFAULT 0,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (scope, scope_key)
	);

	CREATE TABLE IF NOT EXISTS blocklist (
		kind TEXT NOT NULL, -- ip, domain
		value TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, value)
	);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		hits BIGINT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_outbox (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		info TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_event_outbox_unpublished ON event_outbox(created_at) WHERE published_at IS NULL;
`
