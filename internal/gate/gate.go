package gate

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"net"
	"strings"
	"time"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type Config struct {
	Window          time.Duration `env:"WINDOW" envDefault:"1h"`
	IPLimit         int           `env:"IP_LIMIT" envDefault:"500"`
	CredentialLimit int           `env:"CREDENTIAL_LIMIT" envDefault:"5000"`

	ReputationMinVolume      int64   `env:"REPUTATION_MIN_VOLUME" envDefault:"50"`
	ReputationMaxFailureRate float64 `env:"REPUTATION_MAX_FAILURE_RATE" envDefault:"0.5"`

	DNSBLZones  []string `env:"DNSBL_ZONES" envSeparator:","`
	DNSBLWeight float64  `env:"DNSBL_WEIGHT" envDefault:"3"`

	ScoreThreshold float64 `env:"SCORE_THRESHOLD" envDefault:"5"`

	RedisURL string `env:"REDIS_URL"`
}

type Store interface {
	FindBlock(ctx context.Context, kind dao.BlockKind, values ...string) (dao.Block, error)
	GetReputation(ctx context.Context, scope, key string) (dao.Reputation, error)
	AddReputation(ctx context.Context, scope, key string, volume, failures int64) error
}

// Conn is what the gate knows about the peer
type Conn struct {
	RemoteIP      net.IP
	Authenticated bool
	TenantID      string
	CredentialID  string
}

type Message struct {
	EnvelopeFrom string
	HeaderFrom   string
	Recipients   []string
	Raw          []byte
}

type Check string

const (
	CheckRateLimit  Check = "rate-limit"
	CheckBlocklist  Check = "blocklist"
	CheckReputation Check = "reputation"
	CheckDNSBL      Check = "dnsbl"
	CheckContent    Check = "content"
)

type Decision struct {
	Allow bool
	// Temporary rejections should be answered with a 4xx, the peer may try again later
	Temporary bool
	Check     Check
	Reason    string
	Score     float64
}

func allow(score float64) Decision {
	return Decision{Allow: true, Score: score}
}

func reject(check Check, temporary bool, reason string, score float64) Decision {
	return Decision{Check: check, Temporary: temporary, Reason: reason, Score: score}
}

type Gate struct {
	cfg      Config
	counter  Counter
	store    Store
	resolver dnsx.Resolver
	log      *logrus.Logger
	now      func() time.Time

	decisions *prometheus.CounterVec
}

func New(cfg Config, counter Counter, store Store, resolver dnsx.Resolver, lc *tools.Logger, m *metrics.Metrics) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 5
	}
	if cfg.ReputationMaxFailureRate <= 0 {
		cfg.ReputationMaxFailureRate = 0.5
	}
	return &Gate{
		cfg:      cfg,
		counter:  counter,
		store:    store,
		resolver: resolver,
		log:      lc.New("gate"),
		now:      time.Now,
		decisions: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_gate_decisions",
			Help: "Number of gate decisions by check, allowed messages has an empty check.",
		}, []string{"check", "allow"}),
	}
}

// Connect is evaluated when a peer connects, before any command is accepted
func (g *Gate) Connect(ctx context.Context, ip net.IP) Decision {
	if ip == nil {
		return allow(0)
	}
	b, err := g.store.FindBlock(ctx, dao.BlockIP, ip.String())
	switch {
	case errors.Is(err, dao.ErrNotFound):
		return allow(0)
	case err != nil:
		g.log.WithError(err).WithField("remote", ip.String()).Error("could not read blocklist")
		return g.record(reject(CheckBlocklist, true, "blocklist unavailable", 0), Conn{RemoteIP: ip})
	}
	return g.record(reject(CheckBlocklist, false, "ip is blocked: "+b.Reason, 0), Conn{RemoteIP: ip})
}

// Evaluate runs the checks in order and returns on the first rejection
func (g *Gate) Evaluate(ctx context.Context, conn Conn, msg Message) Decision {
	d := g.evaluate(ctx, conn, msg)
	g.updateReputation(ctx, conn, d)
	return g.record(d, conn)
}

func (g *Gate) evaluate(ctx context.Context, conn Conn, msg Message) Decision {
	if d, ok := g.rateLimit(ctx, conn); !ok {
		return d
	}
	if d, ok := g.blocklist(ctx, conn, msg); !ok {
		return d
	}

	var score float64
	listed := g.dnsbl(ctx, conn.RemoteIP)
	if len(listed) > 0 {
		if !conn.Authenticated {
			return reject(CheckDNSBL, false, "listed by "+strings.Join(listed, ", "), 0)
		}
		score += g.cfg.DNSBLWeight
	}

	content, findings := Score(msg.Raw)
	score += content
	if score >= g.cfg.ScoreThreshold {
		rules := slicez.Map(findings, func(f Finding) string {
			return f.Rule
		})
		return reject(CheckContent, false, fmt.Sprintf("content score %.1f, %s", score, strings.Join(rules, ", ")), score)
	}
	return allow(score)
}

func (g *Gate) record(d Decision, conn Conn) Decision {
	g.decisions.WithLabelValues(string(d.Check), fmt.Sprint(d.Allow)).Inc()
	if d.Allow {
		return d
	}
	g.log.WithField("remote", ipString(conn.RemoteIP)).
		WithField("tenant", conn.TenantID).
		WithField("check", d.Check).
		WithField("temporary", d.Temporary).
		WithField("reason", d.Reason).
		Info("message rejected")
	return d
}

func (g *Gate) rateLimit(ctx context.Context, conn Conn) (Decision, bool) {
	type limit struct {
		scope string
		id    string
		max   int
	}
	var limits []limit
	if conn.RemoteIP != nil && g.cfg.IPLimit > 0 {
		limits = append(limits, limit{scope: "ip", id: conn.RemoteIP.String(), max: g.cfg.IPLimit})
	}
	if conn.Authenticated && g.cfg.CredentialLimit > 0 {
		id := conn.CredentialID
		if id == "" {
			id = conn.TenantID
		}
		limits = append(limits, limit{scope: "cred", id: id, max: g.cfg.CredentialLimit})
	}

	for _, l := range limits {
		estimate, err := g.hit(ctx, l.scope, l.id)
		if err != nil {
			g.log.WithError(err).WithField("scope", l.scope).Error("rate limit counter failed")
			return reject(CheckRateLimit, true, "rate limiter unavailable", 0), false
		}
		if estimate > float64(l.max) {
			return reject(CheckRateLimit, true, fmt.Sprintf("%s: %s %s", ErrRateLimited, l.scope, l.id), 0), false
		}
	}
	return Decision{}, true
}

// hit counts one event in the current bucket and estimates the count of the sliding window ending now
func (g *Gate) hit(ctx context.Context, scope, id string) (float64, error) {
	now := g.now()
	bucket := now.Truncate(g.cfg.Window)
	key := func(b time.Time) string {
		return fmt.Sprintf("rl:%s:%s:%d", scope, id, b.Unix())
	}

	cur, err := g.counter.Incr(ctx, key(bucket), 2*g.cfg.Window)
	if err != nil {
		return 0, err
	}
	prev, err := g.counter.Get(ctx, key(bucket.Add(-g.cfg.Window)))
	if err != nil {
		return 0, err
	}
	elapsed := float64(now.Sub(bucket)) / float64(g.cfg.Window)
	return float64(prev)*(1-elapsed) + float64(cur), nil
}

func (g *Gate) blocklist(ctx context.Context, conn Conn, msg Message) (Decision, bool) {
	if conn.RemoteIP != nil {
		b, err := g.store.FindBlock(ctx, dao.BlockIP, conn.RemoteIP.String())
		if d, ok := blocked(b, err, "ip"); !ok {
			return d, false
		}
	}

	rcptDomains := domainsOf(msg.Recipients...)
	domains := append(domainsOf(msg.EnvelopeFrom, msg.HeaderFrom), rcptDomains...)
	b, err := g.store.FindBlock(ctx, dao.BlockDomain, domains...)
	if d, ok := blocked(b, err, "domain"); !ok {
		return d, false
	}

	if conn.TenantID == "" {
		return Decision{}, true
	}
	for _, domain := range rcptDomains {
		rep, err := g.store.GetReputation(ctx, dao.ScopeTenantDomain, dao.ReputationKey(conn.TenantID, domain))
		if errors.Is(err, dao.ErrNotFound) {
			continue
		}
		if err != nil {
			g.log.WithError(err).WithField("tenant", conn.TenantID).WithField("domain", domain).Error("could not read reputation")
			return reject(CheckReputation, true, "reputation unavailable", 0), false
		}
		if rep.Blocked {
			return reject(CheckReputation, false, "sending to "+domain+" is blocked for tenant", 0), false
		}
		if rep.Volume >= g.cfg.ReputationMinVolume && rep.FailureRate() > g.cfg.ReputationMaxFailureRate {
			return reject(CheckReputation, false, fmt.Sprintf("failure rate to %s is %.2f", domain, rep.FailureRate()), 0), false
		}
	}
	return Decision{}, true
}

func blocked(b dao.Block, err error, what string) (Decision, bool) {
	switch {
	case errors.Is(err, dao.ErrNotFound):
		return Decision{}, true
	case err != nil:
		return reject(CheckBlocklist, true, "blocklist unavailable", 0), false
	}
	return reject(CheckBlocklist, false, fmt.Sprintf("%s %s is blocked: %s", what, b.Value, b.Reason), 0), false
}

// dnsbl returns the zones listing ip. Lookup failures are logged and treated as not listed.
func (g *Gate) dnsbl(ctx context.Context, ip net.IP) []string {
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || g.resolver == nil {
		return nil
	}
	rev := ReverseIP(ip)
	var listed []string
	for _, zone := range g.cfg.DNSBLZones {
		zone = strings.Trim(strings.TrimSpace(zone), ".")
		if zone == "" {
			continue
		}
		ips, err := g.resolver.A(ctx, rev+"."+zone)
		if err != nil {
			g.log.WithError(err).WithField("zone", zone).WithField("remote", ip.String()).Warn("dnsbl lookup failed")
			continue
		}
		// 127.0.0.0/8 answers are listings, anything else is the list signalling an error
		if slicez.ContainsBy(ips, func(a net.IP) bool { return a.IsLoopback() }) {
			listed = append(listed, zone)
		}
	}
	return listed
}

func (g *Gate) updateReputation(ctx context.Context, conn Conn, d Decision) {
	if conn.RemoteIP == nil {
		return
	}
	var failures int64
	if !d.Allow && !d.Temporary {
		failures = 1
	}
	err := g.store.AddReputation(ctx, dao.ScopeIP, conn.RemoteIP.String(), 1, failures)
	if err != nil {
		g.log.WithError(err).WithField("remote", conn.RemoteIP.String()).Warn("could not update ip reputation")
	}
}

// ReverseIP formats ip the way dnsbl zones expects it, reversed octets for v4 and reversed nibbles for v6
func ReverseIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	const hex = "0123456789abcdef"
	parts := make([]string, 0, 32)
	for i := len(v6) - 1; i >= 0; i-- {
		parts = append(parts, string(hex[v6[i]&0x0f]), string(hex[v6[i]>>4]))
	}
	return strings.Join(parts, ".")
}

func domainsOf(addresses ...string) []string {
	var domains []string
	for _, a := range addresses {
		d, err := tools.DomainOfEmail(a)
		if err != nil {
			continue
		}
		if !slicez.Contains(domains, d) {
			domains = append(domains, d)
		}
	}
	return domains
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
