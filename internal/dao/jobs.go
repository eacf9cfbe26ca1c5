package dao

import (
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"sort"
	"time"
)

func insertJob(ctx context.Context, tx *sqlx.Tx, j Job) error {
	ts := now()
	j.State = JobQueued
	j.CreatedAt = ts
	j.UpdatedAt = ts
	if j.RunAt.IsZero() {
		j.RunAt = ts
	}
	j.RunAt = j.RunAt.In(time.UTC)
	j.Deadline = j.Deadline.In(time.UTC)
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, job_type, payload, priority, state, attempts, max_attempts,
		                  run_at, deadline, created_at, updated_at)
		VALUES (:id, :tenant_id, :job_type, :payload, :priority, :state, 0, :max_attempts,
		        :run_at, :deadline, :created_at, :updated_at)
	`, j)
	if err != nil {
		return fmt.Errorf("failed to insert %s job, %w", j.JobType, err)
	}
	return nil
}

func (d *DB) InsertJob(ctx context.Context, j Job) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertJob(ctx, tx, j)
	})
}

func (d *DB) GetJob(ctx context.Context, id zid.ID) (Job, error) {
	var j Job
	err := d.db.GetContext(ctx, &j, d.q(`SELECT * FROM jobs WHERE id = ?`), id)
	return j, notFound(err)
}

type lane struct {
	TenantID      string
	LastClaimedAt time.Time
}

// ClaimJob leases the next runnable job of the given type. Lanes, one per tenant and job type,
// are served least recently claimed first and a lane with tenantCap active jobs is skipped,
// so that one tenants backlog can not starve another tenant. ErrNotFound is returned when
// there is nothing to claim.
func (d *DB) ClaimJob(ctx context.Context, jobType string, tenantCap int, lease time.Duration) (job Job, err error) {
	err = d.inTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()

		var ready []string
		err := tx.SelectContext(ctx, &ready, tx.Rebind(`
			SELECT DISTINCT tenant_id FROM jobs
			WHERE job_type = ? AND state = ? AND run_at <= ?
		`), jobType, JobQueued, ts)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return ErrNotFound
		}

		var active []struct {
			TenantID string `db:"tenant_id"`
			Count    int    `db:"count"`
		}
		err = tx.SelectContext(ctx, &active, tx.Rebind(`
			SELECT tenant_id, count(*) AS count FROM jobs
			WHERE job_type = ? AND state = ?
			GROUP BY tenant_id
		`), jobType, JobActive)
		if err != nil {
			return err
		}
		busy := map[string]int{}
		for _, a := range active {
			busy[a.TenantID] = a.Count
		}

		var served []struct {
			TenantID      string    `db:"tenant_id"`
			LastClaimedAt time.Time `db:"last_claimed_at"`
		}
		err = tx.SelectContext(ctx, &served, tx.Rebind(`
			SELECT tenant_id, last_claimed_at FROM queue_lanes WHERE job_type = ?
		`), jobType)
		if err != nil {
			return err
		}
		last := map[string]time.Time{}
		for _, s := range served {
			last[s.TenantID] = s.LastClaimedAt
		}

		lanes := slicez.Map(ready, func(tenant string) lane {
			return lane{TenantID: tenant, LastClaimedAt: last[tenant]}
		})
		if tenantCap > 0 {
			lanes = slicez.Reject(lanes, func(l lane) bool {
				return busy[l.TenantID] >= tenantCap
			})
		}
		if len(lanes) == 0 {
			return ErrNotFound
		}
		sort.Slice(lanes, func(i, j int) bool {
			if !lanes[i].LastClaimedAt.Equal(lanes[j].LastClaimedAt) {
				return lanes[i].LastClaimedAt.Before(lanes[j].LastClaimedAt)
			}
			return lanes[i].TenantID < lanes[j].TenantID
		})
		next := lanes[0]

		err = tx.GetContext(ctx, &job, tx.Rebind(`
			SELECT * FROM jobs
			WHERE job_type = ? AND tenant_id = ? AND state = ? AND run_at <= ?
			ORDER BY priority DESC, run_at, id
			LIMIT 1
		`), jobType, next.TenantID, JobQueued, ts)
		if err != nil {
			return notFound(err)
		}

		lockedUntil := ts.Add(lease)
		token := tools.RandStringRunes(16)
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs
			SET state = ?, attempts = attempts + 1, locked_until = ?, lease = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`), JobActive, lockedUntil, token, ts, job.ID, JobQueued)
		if err != nil {
			return err
		}
		err = affectedOne(res, "claim job "+job.ID.String())
		if err != nil {
			return err
		}
		job.State = JobActive
		job.Attempts++
		job.LockedUntil = &lockedUntil
		job.Lease = token

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO queue_lanes (tenant_id, job_type, last_claimed_at) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id, job_type) DO UPDATE SET last_claimed_at = excluded.last_claimed_at
		`), next.TenantID, jobType, ts)
		return err
	})
	return job, err
}

// ExtendLease pushes the lease of an active job forward
func (d *DB) ExtendLease(ctx context.Context, id zid.ID, lease string, until time.Time) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE jobs SET locked_until = ?, updated_at = ? WHERE id = ? AND lease = ? AND state = ?
	`), until.In(time.UTC), now(), id, lease, JobActive)
	if err != nil {
		return err
	}
	return affectedOne(res, "extend lease")
}

// CompleteJob marks a job as done, only the holder of the lease may do so
func (d *DB) CompleteJob(ctx context.Context, id zid.ID, lease string) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE jobs SET state = ?, locked_until = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND lease = ? AND state = ?
	`), JobDone, now(), id, lease, JobActive)
	if err != nil {
		return err
	}
	return affectedOne(res, "complete job")
}

// RetryJob puts an active job back in the queue to be run at runAt
func (d *DB) RetryJob(ctx context.Context, id zid.ID, lease string, runAt time.Time, lastErr string) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE jobs SET state = ?, run_at = ?, locked_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND lease = ? AND state = ?
	`), JobQueued, runAt.In(time.UTC), lastErr, now(), id, lease, JobActive)
	if err != nil {
		return err
	}
	return affectedOne(res, "retry job")
}

// FailJob moves an active job to its terminal failed state and writes the failure event in the same
// transaction. Since the update is conditional on the lease, the event is written exactly once.
func (d *DB) FailJob(ctx context.Context, id zid.ID, lease string, lastErr string, event Event) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs SET state = ?, locked_until = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND lease = ? AND state = ?
		`), JobFailed, lastErr, now(), id, lease, JobActive)
		if err != nil {
			return err
		}
		err = affectedOne(res, "fail job")
		if err != nil {
			return err
		}
		event.JobID = id.String()
		return insertEvent(ctx, tx, event)
	})
}

// StalledJobs are active jobs whose lease has expired, eg. the worker crashed
func (d *DB) StalledJobs(ctx context.Context, at time.Time, limit int) ([]Job, error) {
	var js []Job
	err := d.db.SelectContext(ctx, &js, d.q(`
		SELECT * FROM jobs WHERE state = ? AND locked_until < ? ORDER BY locked_until LIMIT ?
	`), JobActive, at.In(time.UTC), limit)
	return js, err
}

type JobCount struct {
	JobType string   `db:"job_type"`
	State   JobState `db:"state"`
	Count   int      `db:"count"`
}

func (d *DB) JobStats(ctx context.Context) ([]JobCount, error) {
	var cs []JobCount
	err := d.db.SelectContext(ctx, &cs, `
		SELECT job_type, state, count(*) AS count FROM jobs GROUP BY job_type, state ORDER BY job_type, state
	`)
	return cs, err
}
