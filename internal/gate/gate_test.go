package gate

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type testCounter struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (c *testCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.values[key]++
	return c.values[key], nil
}

func (c *testCounter) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.values[key], nil
}

type testStore struct {
	blocks     map[string]dao.Block
	reputation map[string]dao.Reputation
	added      map[string][2]int64
}

func (s *testStore) FindBlock(ctx context.Context, kind dao.BlockKind, values ...string) (dao.Block, error) {
	for _, v := range values {
		if b, ok := s.blocks[string(kind)+":"+v]; ok {
			return b, nil
		}
	}
	return dao.Block{}, dao.ErrNotFound
}

func (s *testStore) GetReputation(ctx context.Context, scope, key string) (dao.Reputation, error) {
	r, ok := s.reputation[scope+":"+key]
	if !ok {
		return dao.Reputation{}, dao.ErrNotFound
	}
	return r, nil
}

func (s *testStore) AddReputation(ctx context.Context, scope, key string, volume, failures int64) error {
	a := s.added[scope+":"+key]
	s.added[scope+":"+key] = [2]int64{a[0] + volume, a[1] + failures}
	return nil
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	gate    *Gate
	counter *testCounter
	store   *testStore
	dns     *dnsx.Mock
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		counter: &testCounter{values: map[string]int64{}},
		store: &testStore{
			blocks:     map[string]dao.Block{},
			reputation: map[string]dao.Reputation{},
			added:      map[string][2]int64{},
		},
		dns: dnsx.NewMock(),
	}
	f.gate = New(cfg, f.counter, f.store, f.dns, tools.DiscardLogger(), nil)
	f.gate.now = func() time.Time { return t0 }
	return f
}

func plain(subject, body string) []byte {
	return []byte("From: a@sender.example\r\nTo: b@rcpt.example\r\nSubject: " + subject +
		"\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n" + body + "\r\n")
}

func msg(raw []byte) Message {
	return Message{
		EnvelopeFrom: "a@sender.example",
		HeaderFrom:   "a@sender.example",
		Recipients:   []string{"b@rcpt.example"},
		Raw:          raw,
	}
}

var remote = net.ParseIP("192.0.2.10")

func TestEvaluateAllowsCleanMessage(t *testing.T) {
	f := newFixture(Config{IPLimit: 10})
	d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg(plain("Your receipt", "Thanks for your order.")))
	assert.True(t, d.Allow)
	assert.Zero(t, d.Score)
	assert.Equal(t, [2]int64{1, 0}, f.store.added["ip:192.0.2.10"])
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	f := newFixture(Config{})
	assert.Equal(t, 5.0, f.gate.cfg.ScoreThreshold)
	assert.Equal(t, 0.5, f.gate.cfg.ReputationMaxFailureRate)
	assert.Equal(t, time.Hour, f.gate.cfg.Window)

	d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg(plain("Your receipt", "Thanks for your order.")))
	assert.True(t, d.Allow, d.Reason)

	f.store.reputation[dao.ScopeTenantDomain+":"+dao.ReputationKey("A", "rcpt.example")] = dao.Reputation{Volume: 100, Failures: 10}
	conn := Conn{RemoteIP: remote, Authenticated: true, TenantID: "A"}
	assert.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
}

func TestRateLimitPerIP(t *testing.T) {
	f := newFixture(Config{IPLimit: 3})
	conn := Conn{RemoteIP: remote}
	for i := 0; i < 3; i++ {
		require.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow, "message %d", i)
	}
	d := f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.True(t, d.Temporary)
	assert.Equal(t, CheckRateLimit, d.Check)

	other := f.gate.Evaluate(context.Background(), Conn{RemoteIP: net.ParseIP("192.0.2.11")}, msg(plain("hi", "hello")))
	assert.True(t, other.Allow)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	f := newFixture(Config{IPLimit: 4})
	conn := Conn{RemoteIP: remote}
	for i := 0; i < 4; i++ {
		require.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
	}

	// half way into the next window, the previous 4 weighs as 2
	f.gate.now = func() time.Time { return t0.Add(90 * time.Minute) }
	assert.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
	assert.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
	assert.False(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
}

func TestRateLimitPerCredential(t *testing.T) {
	f := newFixture(Config{CredentialLimit: 1})
	conn := Conn{RemoteIP: remote, Authenticated: true, TenantID: "A", CredentialID: "cred-1"}
	assert.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow)
	d := f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "cred-1")
}

func TestRateLimitFailsClosed(t *testing.T) {
	f := newFixture(Config{IPLimit: 10})
	f.counter.err = errors.New("redis is down")
	d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.True(t, d.Temporary)
	assert.Equal(t, CheckRateLimit, d.Check)
}

func TestBlocklist(t *testing.T) {
	tests := []struct {
		name  string
		block dao.Block
	}{
		{name: "ip", block: dao.Block{Kind: dao.BlockIP, Value: "192.0.2.10", Reason: "abuse"}},
		{name: "sender domain", block: dao.Block{Kind: dao.BlockDomain, Value: "sender.example", Reason: "spam"}},
		{name: "recipient domain", block: dao.Block{Kind: dao.BlockDomain, Value: "rcpt.example", Reason: "complaints"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(Config{})
			f.store.blocks[string(test.block.Kind)+":"+test.block.Value] = test.block
			d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg(plain("hi", "hello")))
			assert.False(t, d.Allow)
			assert.False(t, d.Temporary)
			assert.Equal(t, CheckBlocklist, d.Check)
			assert.Contains(t, d.Reason, test.block.Reason)
			assert.Equal(t, [2]int64{1, 1}, f.store.added["ip:192.0.2.10"])
		})
	}
}

func TestConnectBlockedIP(t *testing.T) {
	f := newFixture(Config{})
	f.store.blocks["ip:192.0.2.10"] = dao.Block{Kind: dao.BlockIP, Value: "192.0.2.10"}
	assert.False(t, f.gate.Connect(context.Background(), remote).Allow)
	assert.True(t, f.gate.Connect(context.Background(), net.ParseIP("192.0.2.11")).Allow)
}

func TestReputation(t *testing.T) {
	cfg := Config{ReputationMinVolume: 50, ReputationMaxFailureRate: 0.5}
	conn := Conn{RemoteIP: remote, Authenticated: true, TenantID: "A"}
	key := dao.ScopeTenantDomain + ":" + dao.ReputationKey("A", "rcpt.example")

	f := newFixture(cfg)
	f.store.reputation[key] = dao.Reputation{Volume: 10, Failures: 9}
	assert.True(t, f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello"))).Allow, "too little volume to judge")

	f.store.reputation[key] = dao.Reputation{Volume: 100, Failures: 60}
	d := f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.Equal(t, CheckReputation, d.Check)

	f.store.reputation[key] = dao.Reputation{Blocked: true}
	d = f.gate.Evaluate(context.Background(), conn, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.Equal(t, CheckReputation, d.Check)

	other := Conn{RemoteIP: remote, Authenticated: true, TenantID: "B"}
	assert.True(t, f.gate.Evaluate(context.Background(), other, msg(plain("hi", "hello"))).Allow)
}

func TestDNSBL(t *testing.T) {
	cfg := Config{DNSBLZones: []string{"bl.example", "broken.example"}, DNSBLWeight: 3, ScoreThreshold: 5}
	f := newFixture(cfg)
	f.dns.As["10.2.0.192.bl.example"] = []net.IP{net.ParseIP("127.0.0.2")}
	f.dns.Errs["10.2.0.192.broken.example"] = errors.New("servfail")

	d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg(plain("hi", "hello")))
	assert.False(t, d.Allow)
	assert.False(t, d.Temporary)
	assert.Equal(t, CheckDNSBL, d.Check)
	assert.Contains(t, d.Reason, "bl.example")

	d = f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote, Authenticated: true, TenantID: "A"}, msg(plain("hi", "hello")))
	assert.True(t, d.Allow)
	assert.Equal(t, 3.0, d.Score)

	f.dns.Errs["11.2.0.192.bl.example"] = errors.New("timeout")
	d = f.gate.Evaluate(context.Background(), Conn{RemoteIP: net.ParseIP("192.0.2.11")}, msg(plain("hi", "hello")))
	assert.True(t, d.Allow, "lookup failures are advisory")
}

func TestContentRejected(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@sender.example",
		"To: b@rcpt.example",
		"Subject: Invoice",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"See attached.",
		"--b1",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="invoice.pdf.exe"`,
		"Content-Transfer-Encoding: base64",
		"",
		"TVqQAAMAAAAEAAAA",
		"--b1--",
		"",
	}, "\r\n")
	f := newFixture(Config{})
	d := f.gate.Evaluate(context.Background(), Conn{RemoteIP: remote}, msg([]byte(raw)))
	assert.False(t, d.Allow)
	assert.Equal(t, CheckContent, d.Check)
	assert.Contains(t, d.Reason, "executable-attachment")
	assert.GreaterOrEqual(t, d.Score, 10.0)
}

func TestScore(t *testing.T) {
	html := func(body string) []byte {
		return []byte("From: a@sender.example\r\nSubject: hello\r\nContent-Type: text/html; charset=utf-8\r\n\r\n" + body + "\r\n")
	}
	tests := []struct {
		name string
		raw  []byte
		rule string
	}{
		{name: "shouting", raw: plain("URGENT PAYMENT NEEDED", "hello"), rule: "all-caps-subject"},
		{name: "ip link", raw: html(`<a href="http://203.0.113.9/login">log in</a>`), rule: "ip-address-link"},
		{name: "mismatched link", raw: html(`<a href="https://evil.example/x">https://bank.example/login</a>`), rule: "link-text-mismatch"},
		{name: "phishing", raw: plain("hello", "Please verify your account today"), rule: "phishing-phrase"},
		{name: "spam", raw: plain("hello", "You are a WINNER, act now"), rule: "spam-phrases-2"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			score, findings := Score(test.raw)
			assert.Greater(t, score, 0.0)
			var rules []string
			for _, f := range findings {
				rules = append(rules, f.Rule)
			}
			assert.Contains(t, rules, test.rule)
		})
	}

	score, findings := Score(html(`<p>Hi</p><a href="https://www.shop.example/orders">www.shop.example</a>`))
	assert.Zero(t, score, fmt.Sprint(findings))
}

func TestReverseIP(t *testing.T) {
	assert.Equal(t, "10.2.0.192", ReverseIP(net.ParseIP("192.0.2.10")))
	rev := ReverseIP(net.ParseIP("2001:db8::1"))
	assert.True(t, strings.HasPrefix(rev, "1.0.0.0.0.0.0.0"))
	assert.True(t, strings.HasSuffix(rev, "8.b.d.0.1.0.0.2"))
	assert.Len(t, strings.Split(rev, "."), 32)
}

func TestDBCounter(t *testing.T) {
	db, err := dao.New(dao.Config{URI: t.TempDir() + "/posten.sqlite"}, tools.DiscardLogger())
	require.NoError(t, err)
	defer db.Close()

	c := NewDBCounter(db)
	n, err := c.Incr(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Incr(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
