package events

import (
	"context"
	"errors"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
	"time"
)

type testPublisher struct {
	published []posten.Event
	failAt    int
}

func (p *testPublisher) Publish(ctx context.Context, e posten.Event) error {
	if p.failAt > 0 && len(p.published)+1 == p.failAt {
		p.failAt = 0
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, e)
	return nil
}

func (p *testPublisher) Close() error {
	return nil
}

func newDB(t *testing.T) *dao.DB {
	t.Helper()
	db, err := dao.New(dao.Config{URI: filepath.Join(t.TempDir(), "events.sqlite")}, tools.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InsertTenant(context.Background(), dao.Tenant{ID: "A", Name: "A"}))
	return db
}

func insertEvents(t *testing.T, db *dao.DB, names ...posten.EventName) {
	t.Helper()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range names {
		require.NoError(t, db.InsertEvent(context.Background(), dao.Event{
			Event:     name.String(),
			TenantID:  "A",
			MessageID: "m1",
			Recipient: "r@b.example",
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestFlushPublishesInOrder(t *testing.T) {
	db := newDB(t)
	insertEvents(t, db, posten.EventDeferred, posten.EventDeferred, posten.EventDelivered)

	pub := &testPublisher{}
	d := New(Config{BatchSize: 2}, db, pub, tools.DiscardLogger(), nil)

	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.published, 3)
	assert.Equal(t, posten.EventDelivered, pub.published[2].Event)
	assert.Equal(t, "A", pub.published[2].TenantID)
	assert.Equal(t, "r@b.example", pub.published[2].Recipient)

	left, err := db.UnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, pub.published, 3)
}

func TestFlushKeepsUnpublishedEvents(t *testing.T) {
	db := newDB(t)
	insertEvents(t, db, posten.EventDeferred, posten.EventFailed, posten.EventBounce)

	pub := &testPublisher{failAt: 2}
	d := New(Config{}, db, pub, tools.DiscardLogger(), nil)

	n, err := d.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	left, err := db.UnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, posten.EventFailed.String(), left[0].Event)

	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.published, 3)
	assert.Equal(t, []posten.EventName{posten.EventDeferred, posten.EventFailed, posten.EventBounce},
		[]posten.EventName{pub.published[0].Event, pub.published[1].Event, pub.published[2].Event})
}

func TestJobsPublisherEnqueuesWebhooks(t *testing.T) {
	db := newDB(t)
	insertEvents(t, db, posten.EventBounce)

	s := spool.New(spool.Config{}, db, tools.DiscardLogger(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	d := New(Config{}, db, NewJobs(s), tools.DiscardLogger(), nil)
	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := db.ClaimJob(context.Background(), string(spool.WebhookEvent), 4, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "A", job.TenantID)

	p, err := spool.Decode(job)
	require.NoError(t, err)
	w, ok := p.(spool.Webhook)
	require.True(t, ok)
	assert.Equal(t, posten.EventBounce.String(), w.Event)
	assert.Equal(t, "m1", w.MessageID)
	assert.False(t, w.EventID.IsZero())
}

func TestFromOutbox(t *testing.T) {
	id := zid.New()
	e := FromOutbox(dao.Event{ID: id, Event: "failed", TenantID: "A", MessageID: "m1", JobID: "j1", Info: "550 no such user"})
	assert.Equal(t, id.String(), e.ID)
	assert.Equal(t, posten.EventFailed, e.Event)
	assert.Equal(t, "j1", e.JobID)
	assert.Equal(t, "550 no such user", e.Info)
}
