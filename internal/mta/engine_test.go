package mta

import (
	"context"
	"errors"
	"github.com/emersion/go-smtp"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/pool"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"sync"
	"testing"
)

type exchanger struct {
	dialErr error
	sendErr error
	sent    int
}

type testNet struct {
	mu         sync.Mutex
	exchangers map[string]*exchanger
}

func (n *testNet) dial(ctx context.Context, addr string, localName string) (smtpx.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ex, ok := n.exchangers[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	if ex.dialErr != nil {
		return nil, ex.dialErr
	}
	return &testConn{net: n, ex: ex}, nil
}

func (n *testNet) sent(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exchangers[addr].sent
}

type testConn struct {
	net *testNet
	ex  *exchanger
}

func (c *testConn) SendMail(ctx context.Context, from string, to []string, msg io.WriterTo) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	_, _ = msg.WriteTo(io.Discard)
	c.ex.sent++
	return c.ex.sendErr
}
func (c *testConn) Noop() error  { return nil }
func (c *testConn) Close() error { return nil }

type attemptStore struct {
	mu         sync.Mutex
	attempts   []dao.DeliveryAttempt
	reputation map[string][2]int64
}

func (s *attemptStore) InsertAttempt(ctx context.Context, a dao.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *attemptStore) AddReputation(ctx context.Context, scope, key string, volume, failures int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reputation[scope+":"+key]
	s.reputation[scope+":"+key] = [2]int64{r[0] + volume, r[1] + failures}
	return nil
}

func newEngine(t *testing.T, exchangers map[string]*exchanger) (*Engine, *testNet, *attemptStore, *dnsx.Mock) {
	t.Helper()
	n := &testNet{exchangers: exchangers}
	resolver := dnsx.NewMock()
	resolver.MXs["example.com"] = []dnsx.MX{{Host: "mx1.example.com", Preference: 10}, {Host: "mx2.example.com", Preference: 20}}
	store := &attemptStore{reputation: map[string][2]int64{}}
	p := pool.New(pool.Config{MaxPerHost: 2}, n.dial, "mx.posten.test", tools.DiscardLogger(), nil)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return NewEngine(Config{Port: 25}, resolver, p, store, tools.DiscardLogger()), n, store, resolver
}

func request() Request {
	return Request{MessageID: zid.New(), TenantID: "A", From: "bounces@posten.test", Recipient: "bob@example.com", Content: []byte("Subject: hi\r\n\r\nhello\r\n"), Attempt: 1}
}

func TestDeliverFallsBackToNextMX(t *testing.T) {
	e, n, store, _ := newEngine(t, map[string]*exchanger{
		"mx1.example.com:25": {sendErr: &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "try later"}},
		"mx2.example.com:25": {},
	})

	res := e.Deliver(context.Background(), request())
	assert.Equal(t, dao.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "mx2.example.com:25", res.MX)
	assert.NoError(t, res.Err())

	assert.Equal(t, 1, n.sent("mx1.example.com:25"))
	assert.Equal(t, 1, n.sent("mx2.example.com:25"), "message must be sent exactly once to the accepting mx")

	require.Len(t, store.attempts, 2)
	assert.Equal(t, dao.OutcomeTemporary, store.attempts[0].Outcome)
	assert.Equal(t, 421, store.attempts[0].Code)
	assert.Equal(t, "mx1.example.com:25", store.attempts[0].MX)
	assert.Equal(t, dao.OutcomeSuccess, store.attempts[1].Outcome)
	assert.Equal(t, [2]int64{2, 0}, store.reputation["tenant-domain:A|example.com"])
}

func TestDeliverStopsOnPermanentFailure(t *testing.T) {
	e, n, store, _ := newEngine(t, map[string]*exchanger{
		"mx1.example.com:25": {sendErr: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}},
		"mx2.example.com:25": {},
	})

	res := e.Deliver(context.Background(), request())
	assert.Equal(t, dao.OutcomePermanent, res.Outcome)
	assert.Equal(t, 550, res.Code)
	assert.ErrorIs(t, res.Err(), ErrPermanent)
	assert.False(t, IsRecoverable(res.Err()))
	assert.Equal(t, 0, n.sent("mx2.example.com:25"))
	assert.Len(t, store.attempts, 1)
	assert.Equal(t, [2]int64{1, 1}, store.reputation["tenant-domain:A|example.com"])
}

func TestDeliverConnectErrorTriesNext(t *testing.T) {
	e, n, store, _ := newEngine(t, map[string]*exchanger{
		"mx1.example.com:25": {dialErr: errors.New("i/o timeout")},
		"mx2.example.com:25": {},
	})

	res := e.Deliver(context.Background(), request())
	assert.Equal(t, dao.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, n.sent("mx2.example.com:25"))
	require.Len(t, store.attempts, 2)
	assert.Contains(t, store.attempts[0].Response, ErrCouldNotConnect.Error())
}

func TestDeliverAllTemporary(t *testing.T) {
	e, _, store, _ := newEngine(t, map[string]*exchanger{
		"mx1.example.com:25": {sendErr: &smtp.SMTPError{Code: 451, Message: "greylisted"}},
		"mx2.example.com:25": {dialErr: errors.New("refused")},
	})

	res := e.Deliver(context.Background(), request())
	assert.Equal(t, dao.OutcomeTemporary, res.Outcome)
	assert.True(t, IsRecoverable(res.Err()))
	assert.Len(t, store.attempts, 2)
}

func TestDeliverDNS(t *testing.T) {
	e, _, store, resolver := newEngine(t, map[string]*exchanger{})
	resolver.Errs["broken.example"] = errors.New("servfail")
	resolver.Errs["nullmx.example"] = dnsx.ErrNullMX

	tests := []struct {
		rcpt    string
		outcome dao.Outcome
	}{
		{rcpt: "a@nowhere.example", outcome: dao.OutcomePermanent},
		{rcpt: "a@nullmx.example", outcome: dao.OutcomePermanent},
		{rcpt: "a@broken.example", outcome: dao.OutcomeTemporary},
		{rcpt: "not-an-address", outcome: dao.OutcomePermanent},
	}
	for _, test := range tests {
		req := request()
		req.Recipient = test.rcpt
		res := e.Deliver(context.Background(), req)
		assert.Equal(t, test.outcome, res.Outcome, test.rcpt)
	}
	assert.Len(t, store.attempts, len(tests))
}

func TestReturnPath(t *testing.T) {
	mid := zid.New()
	rp := ReturnPath("bounces", "posten.test", mid, "bob=x@example.com")
	assert.Equal(t, "bounces+"+mid.String()+"=bob=x=example.com@posten.test", rp)

	got, rcpt, ok := ParseReturnPath("bounces", rp)
	require.True(t, ok)
	assert.Equal(t, mid, got)
	assert.Equal(t, "bob=x@example.com", rcpt)

	_, _, ok = ParseReturnPath("bounces", "alice@posten.test")
	assert.False(t, ok)
	_, _, ok = ParseReturnPath("bounces", "bounces+garbage=a=b.c@posten.test")
	assert.False(t, ok)
}
