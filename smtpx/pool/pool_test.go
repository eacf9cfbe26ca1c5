package pool

import (
	"context"
	"errors"
	"github.com/emersion/go-smtp"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testConnection struct {
	mu      sync.Mutex
	closed  bool
	noopErr error
	sendErr error
	sent    int
}

var testErr = errors.New("test error")

func (tc *testConnection) SendMail(ctx context.Context, from string, to []string, msg io.WriterTo) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.sent++
	return tc.sendErr
}

func (tc *testConnection) Noop() error {
	return tc.noopErr
}

func (tc *testConnection) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.closed = true
	return nil
}

type testDialer struct {
	dials int32
	err   error
	conns []*testConnection
	mu    sync.Mutex
	send  error
}

func (d *testDialer) dial(ctx context.Context, addr string, localName string) (smtpx.Connection, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &testConnection{sendErr: d.send}
	d.conns = append(d.conns, c)
	return c, nil
}

func newTestPool(cfg Config, d *testDialer) *Pool {
	return New(cfg, d.dial, "mx.posten.test", tools.DiscardLogger(), nil)
}

func TestPool_ReusesConnection(t *testing.T) {
	d := &testDialer{}
	p := newTestPool(Config{MaxPerHost: 1, MaxIdle: time.Minute}, d)

	for i := 0; i < 3; i++ {
		l, err := p.Borrow(context.Background(), "mx1.example:25")
		require.NoError(t, err)
		require.NoError(t, l.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil))
		l.Release()
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
	assert.Equal(t, 3, d.conns[0].sent)
}

func TestPool_BorrowBlocksWhenExhausted(t *testing.T) {
	d := &testDialer{}
	p := newTestPool(Config{MaxPerHost: 2}, d)

	l1, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	l2, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	assert.NotEqual(t, l1.Instance(), l2.Instance())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(ctx, "mx1.example:25")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// another host is not affected
	l3, err := p.Borrow(context.Background(), "mx2.example:25")
	require.NoError(t, err)
	l3.Release()

	got := make(chan *Lease)
	go func() {
		l, err := p.Borrow(context.Background(), "mx1.example:25")
		if err == nil {
			got <- l
		}
	}()
	select {
	case <-got:
		t.Fatal("borrow should block while exhausted")
	case <-time.After(20 * time.Millisecond):
	}
	l1.Release()
	select {
	case l := <-got:
		assert.Equal(t, l1.Instance(), l.Instance())
	case <-time.After(time.Second):
		t.Fatal("borrow was not woken by release")
	}
	l2.Release()
}

func TestPool_HostOverrides(t *testing.T) {
	p := newTestPool(Config{MaxPerHost: 1, HostOverrides: []string{"big.example=3", "broken"}}, &testDialer{})
	assert.Equal(t, 3, cap(p.host("big.example:25").slots))
	assert.Equal(t, 1, cap(p.host("small.example:25").slots))
}

func TestPool_ConnectError(t *testing.T) {
	d := &testDialer{err: testErr}
	p := newTestPool(Config{MaxPerHost: 1}, d)

	l, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	defer l.Release()
	err = l.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil)

	var cerr *ConnectError
	assert.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, testErr)
}

func TestPool_SendErrors(t *testing.T) {
	for _, tc := range []struct {
		name       string
		sendErr    error
		wantClosed bool
	}{
		{name: "network error closes", sendErr: testErr, wantClosed: true},
		{name: "protocol reply keeps", sendErr: &smtp.SMTPError{Code: 450, Message: "try later"}, wantClosed: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := &testDialer{send: tc.sendErr}
			p := newTestPool(Config{MaxPerHost: 1, MaxIdle: time.Minute}, d)
			l, err := p.Borrow(context.Background(), "mx1.example:25")
			require.NoError(t, err)
			err = l.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil)
			assert.ErrorIs(t, err, tc.sendErr)
			assert.Equal(t, tc.wantClosed, d.conns[0].closed)
			assert.Equal(t, tc.wantClosed, l.conn == nil)
			l.Release()
		})
	}
}

func TestPool_Clean(t *testing.T) {
	d := &testDialer{}
	p := newTestPool(Config{MaxPerHost: 2, MaxIdle: time.Second}, d)

	idle, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	require.NoError(t, idle.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil))
	idle.lastUsed = time.Now().Add(-time.Minute)
	idle.Release()

	busy, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	if busy == idle {
		t.Fatal("expected the other slot")
	}
	require.NoError(t, busy.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil))
	busy.lastUsed = time.Now().Add(-time.Minute)

	assert.Equal(t, 1, p.clean(time.Now(), false))
	assert.True(t, d.conns[0].closed)
	assert.False(t, d.conns[1].closed)
	busy.Release()

	assert.Equal(t, 1, p.clean(time.Now(), true))
	assert.True(t, d.conns[1].closed)
}

func TestPool_StaleConnectionIsReplaced(t *testing.T) {
	d := &testDialer{}
	p := newTestPool(Config{MaxPerHost: 1, MaxIdle: time.Minute}, d)

	l, err := p.Borrow(context.Background(), "mx1.example:25")
	require.NoError(t, err)
	require.NoError(t, l.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil))
	d.conns[0].noopErr = testErr
	require.NoError(t, l.Send(context.Background(), "a@a.example", []string{"b@b.example"}, nil))
	l.Release()

	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))
	assert.True(t, d.conns[0].closed)
}
