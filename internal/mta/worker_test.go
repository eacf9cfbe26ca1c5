package mta

import (
	"context"
	"errors"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

type testSigner struct {
	domains []string
	err     error
}

func (s *testSigner) Sign(ctx context.Context, domain string, msg []byte) ([]byte, keystore.Signature, error) {
	s.domains = append(s.domains, domain)
	if s.err != nil {
		return nil, keystore.Signature{}, s.err
	}
	return append([]byte("DKIM-Signature: d="+domain+"\r\n"), msg...), keystore.Signature{Domain: domain, Selector: "s1"}, nil
}

type testDeliverer struct {
	results map[string]Result
	reqs    []Request
}

func (d *testDeliverer) Deliver(ctx context.Context, req Request) Result {
	d.reqs = append(d.reqs, req)
	return d.results[req.Recipient]
}

type workerFixture struct {
	db      *dao.DB
	worker  *Worker
	signer  *testSigner
	engine  *testDeliverer
	message dao.Message
}

func newWorker(t *testing.T, rcpts ...string) *workerFixture {
	t.Helper()
	ctx := context.Background()
	db, err := dao.New(dao.Config{URI: filepath.Join(t.TempDir(), "posten.sqlite")}, tools.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InsertTenant(ctx, dao.Tenant{ID: "A", Name: "A"}))

	m := dao.Message{ID: zid.New(), TenantID: "A", Source: dao.SourceAPI, EnvelopeFrom: "x@a.example", DKIMDomain: "a.example", State: dao.MessageQueued}
	require.NoError(t, db.InsertMessage(ctx, m, []byte("From: x@a.example\r\nSubject: hi\r\n\r\nhello\r\n"), rcpts, nil))

	f := &workerFixture{
		db:      db,
		signer:  &testSigner{},
		engine:  &testDeliverer{results: map[string]Result{}},
		message: m,
	}
	f.worker = NewWorker(Config{}, "posten.test", db, f.signer, f.engine, tools.DiscardLogger())
	return f
}

func (f *workerFixture) job(rcpt string, attempt int) spool.Job {
	return spool.Job{
		Job:     dao.Job{ID: zid.New(), TenantID: "A", JobType: string(spool.DeliverMessage), Attempts: attempt},
		Payload: spool.Delivery{MessageID: f.message.ID, Recipient: rcpt},
	}
}

func (f *workerFixture) state(t *testing.T) dao.MessageState {
	m, err := f.db.GetMessage(context.Background(), f.message.ID)
	require.NoError(t, err)
	return m.State
}

func (f *workerFixture) recipient(t *testing.T, rcpt string) dao.Recipient {
	rs, err := f.db.GetRecipients(context.Background(), f.message.ID)
	require.NoError(t, err)
	for _, r := range rs {
		if r.Recipient == rcpt {
			return r
		}
	}
	t.Fatalf("no recipient %s", rcpt)
	return dao.Recipient{}
}

func (f *workerFixture) events(t *testing.T) []string {
	es, err := f.db.ListEvents(context.Background(), f.message.ID.String())
	require.NoError(t, err)
	var names []string
	for _, e := range es {
		names = append(names, e.Event)
	}
	return names
}

func TestWorkerDelivers(t *testing.T) {
	f := newWorker(t, "bob@b.example")
	f.engine.results["bob@b.example"] = Result{Outcome: dao.OutcomeSuccess, Code: 250, MX: "mx.b.example:25"}

	require.NoError(t, f.worker.Handle(context.Background(), f.job("bob@b.example", 1)))

	assert.Equal(t, []string{"a.example"}, f.signer.domains)
	require.Len(t, f.engine.reqs, 1)
	assert.Equal(t, ReturnPath("bounces", "posten.test", f.message.ID, "bob@b.example"), f.engine.reqs[0].From)
	assert.Contains(t, string(f.engine.reqs[0].Content), "DKIM-Signature: d=a.example")

	assert.Equal(t, dao.RecipientDelivered, f.recipient(t, "bob@b.example").Status)
	assert.Equal(t, dao.MessageDelivered, f.state(t))
	assert.Equal(t, []string{"delivered"}, f.events(t))

	// a redelivered job does not send twice
	require.NoError(t, f.worker.Handle(context.Background(), f.job("bob@b.example", 2)))
	assert.Len(t, f.engine.reqs, 1)
}

func TestWorkerAggregatesRecipients(t *testing.T) {
	f := newWorker(t, "bob@b.example", "eve@c.example")
	f.engine.results["bob@b.example"] = Result{Outcome: dao.OutcomeSuccess}
	f.engine.results["eve@c.example"] = Result{Outcome: dao.OutcomePermanent, Code: 550, Text: "550 5.1.1 no such user"}

	require.NoError(t, f.worker.Handle(context.Background(), f.job("bob@b.example", 1)))
	assert.Equal(t, dao.MessageDelivering, f.state(t), "one recipient is still pending")

	require.NoError(t, f.worker.Handle(context.Background(), f.job("eve@c.example", 1)))
	assert.Equal(t, dao.RecipientBounced, f.recipient(t, "eve@c.example").Status)
	assert.Equal(t, "550 5.1.1 no such user", f.recipient(t, "eve@c.example").LastError)
	assert.Equal(t, dao.MessageBounced, f.state(t))
	assert.ElementsMatch(t, []string{"delivered", "bounce"}, f.events(t))
}

func TestWorkerTemporaryThenExhausted(t *testing.T) {
	f := newWorker(t, "bob@b.example")
	f.engine.results["bob@b.example"] = Result{Outcome: dao.OutcomeTemporary, Code: 451, Text: "451 greylisted"}

	job := f.job("bob@b.example", 1)
	err := f.worker.Handle(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, Err4xx)
	assert.False(t, spool.IsPermanent(err))
	assert.Equal(t, dao.RecipientDeferred, f.recipient(t, "bob@b.example").Status)
	assert.Equal(t, []string{"deferred"}, f.events(t))

	f.worker.Failed(context.Background(), job, err)
	assert.Equal(t, dao.RecipientFailed, f.recipient(t, "bob@b.example").Status)
	assert.Equal(t, dao.MessageFailed, f.state(t))
}

func TestWorkerSigningFailureIsRetried(t *testing.T) {
	f := newWorker(t, "bob@b.example")
	f.signer.err = errors.New("no platform key")

	err := f.worker.Handle(context.Background(), f.job("bob@b.example", 1))
	require.Error(t, err)
	assert.False(t, spool.IsPermanent(err))
	assert.Empty(t, f.engine.reqs, "unsigned messages are never sent")
	assert.Equal(t, dao.MessageSigning, f.state(t))
}

func TestWorkerUnknownMessage(t *testing.T) {
	f := newWorker(t, "bob@b.example")
	job := f.job("bob@b.example", 1)
	job.Payload = spool.Delivery{MessageID: zid.New(), Recipient: "bob@b.example"}
	err := f.worker.Handle(context.Background(), job)
	assert.True(t, spool.IsPermanent(err))
}

func TestWorkerBounce(t *testing.T) {
	f := newWorker(t, "bob@b.example")
	f.engine.results["bob@b.example"] = Result{Outcome: dao.OutcomeSuccess}
	require.NoError(t, f.worker.Handle(context.Background(), f.job("bob@b.example", 1)))
	require.Equal(t, dao.MessageDelivered, f.state(t))

	require.NoError(t, f.worker.Bounce(context.Background(), f.message.ID, "BOB@b.example", "mailbox full"))
	assert.Equal(t, dao.RecipientBounced, f.recipient(t, "bob@b.example").Status)
	assert.Equal(t, dao.MessageBounced, f.state(t))

	err := f.worker.Bounce(context.Background(), f.message.ID, "nobody@b.example", "")
	assert.ErrorIs(t, err, dao.ErrNotFound)
}
