package dnsx

import (
	"context"
	"errors"
	"fmt"
	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"net"
	"strings"
	"time"
)

// ErrNXDomain the domain does not exist, delivery to it can never succeed
var ErrNXDomain = errors.New("domain does not exist")

// ErrNullMX the domain explicitly does not accept mail, RFC 7505
var ErrNullMX = errors.New("domain does not accept mail")

type Config struct {
	Resolver    string        `env:"RESOLVER" envDefault:"1.1.1.1:53"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
	NegativeTTL time.Duration `env:"NEGATIVE_TTL" envDefault:"1m"`
}

type MX struct {
	Host       string
	Preference uint16
	Implicit   bool // no mx record existed, the domain itself is used
}

func (m MX) Addr(port int) string {
	return net.JoinHostPort(m.Host, fmt.Sprint(port))
}

type Resolver interface {
	MX(ctx context.Context, domain string) ([]MX, error)
	TXT(ctx context.Context, name string) ([]string, error)
	A(ctx context.Context, name string) ([]net.IP, error)
}

type Client struct {
	mxCache  *ttlcache.Cache[string, []MX]
	txtCache *ttlcache.Cache[string, []string]
	mu       *tools.KeyedMutex
	log      *logrus.Logger
	resolver string
	cfg      Config

	lookups *prometheus.CounterVec
}

func New(cfg Config, lc *tools.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		mxCache:  ttlcache.New[string, []MX](ttlcache.WithDisableTouchOnHit[string, []MX]()),
		txtCache: ttlcache.New[string, []string](ttlcache.WithDisableTouchOnHit[string, []string]()),
		mu:       tools.NewKeyedMutex(),
		log:      lc.New("dnsx"),
		cfg:      cfg,
		lookups: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_dns_lookups",
			Help: "Number of dns lookups by type and result.",
		}, []string{"type", "result"}),
	}
	c.cfg.Timeout = compare.Coalesce(c.cfg.Timeout, 5*time.Second)
	c.cfg.NegativeTTL = compare.Coalesce(c.cfg.NegativeTTL, time.Minute)

	host, port, err := net.SplitHostPort(cfg.Resolver)
	if err != nil {
		c.log.WithError(err).Errorf("could not split host and port of resolver %s, defaulting to 1.1.1.1 if necessary", cfg.Resolver)
		host = compare.Coalesce(host, "1.1.1.1")
		port = compare.Coalesce(port, "53")
	}
	c.resolver = net.JoinHostPort(host, port)
	c.log.Infof("Starting dnsx with resolver %s", c.resolver)

	go c.mxCache.Start()
	go c.txtCache.Start()
	return c
}

func (c *Client) Stop(ctx context.Context) error {
	c.mxCache.Stop()
	c.txtCache.Stop()
	return nil
}

func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	cli := dns.Client{Timeout: c.cfg.Timeout}
	r, _, err := cli.ExchangeContext(ctx, m, c.resolver)
	if err == nil && r.Truncated {
		cli.Net = "tcp"
		r, _, err = cli.ExchangeContext(ctx, m, c.resolver)
	}
	if err != nil {
		c.lookups.WithLabelValues(dns.TypeToString[qtype], "error").Inc()
		return nil, fmt.Errorf("could not resolve %s %s, err: %w", dns.TypeToString[qtype], name, err)
	}
	switch r.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		c.lookups.WithLabelValues(dns.TypeToString[qtype], "nxdomain").Inc()
		return nil, fmt.Errorf("%s: %w", name, ErrNXDomain)
	default:
		c.lookups.WithLabelValues(dns.TypeToString[qtype], "error").Inc()
		return nil, fmt.Errorf("invalid answer, rcode %s, after %s query for %s", dns.RcodeToString[r.Rcode], dns.TypeToString[qtype], name)
	}
	c.lookups.WithLabelValues(dns.TypeToString[qtype], "ok").Inc()
	return r, nil
}

// MX returns the mail exchangers of a domain sorted by preference. A domain without
// mx records that has an address is its own implicit exchanger, RFC 5321 5.1.
func (c *Client) MX(ctx context.Context, domain string) ([]MX, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if err := c.mu.Lock(ctx, domain); err != nil {
		return nil, err
	}
	defer c.mu.Unlock(domain)

	item := c.mxCache.Get(domain)
	if item != nil {
		return item.Value(), nil
	}

	r, err := c.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		c.log.WithError(err).WithField("domain", domain).Info("could not resolve mx")
		return nil, err
	}

	mxa := slicez.Map(r.Answer, func(a dns.RR) *dns.MX {
		mx, _ := a.(*dns.MX)
		return mx
	})
	mxa = slicez.Reject(mxa, compare.IsZero[*dns.MX]())
	mxa = slicez.SortBy(mxa, func(i, j *dns.MX) bool {
		return i.Preference < j.Preference
	})

	if len(mxa) == 1 && mxa[0].Mx == "." {
		return nil, fmt.Errorf("%s: %w", domain, ErrNullMX)
	}

	if len(mxa) == 0 {
		ips, err := c.A(ctx, domain)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no mx or address records for %s: %w", domain, ErrNXDomain)
		}
		implicit := []MX{{Host: domain, Implicit: true}}
		c.mxCache.Set(domain, implicit, c.cfg.NegativeTTL)
		return implicit, nil
	}

	mxs := slicez.Map(mxa, func(mx *dns.MX) MX {
		return MX{Host: strings.ToLower(strings.TrimRight(mx.Mx, ".")), Preference: mx.Preference}
	})
	ttl := slicez.Min(slicez.Map(mxa, func(mx *dns.MX) uint32 {
		return mx.Hdr.Ttl
	})...)

	c.mxCache.Set(domain, mxs, c.cacheTTL(ttl))
	return mxs, nil
}

// cacheTTL keeps records at most 5 minutes, a zero ttl would never expire in the cache
func (c *Client) cacheTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d <= 0 {
		return c.cfg.NegativeTTL
	}
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// TXT returns the joined strings of every txt record of name. A name that does not exist has no records.
func (c *Client) TXT(ctx context.Context, name string) ([]string, error) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	item := c.txtCache.Get(name)
	if item != nil {
		return item.Value(), nil
	}

	r, err := c.exchange(ctx, name, dns.TypeTXT)
	if errors.Is(err, ErrNXDomain) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var txts []string
	var ttl uint32
	for _, a := range r.Answer {
		t, ok := a.(*dns.TXT)
		if !ok {
			continue
		}
		txts = append(txts, strings.Join(t.Txt, ""))
		if ttl == 0 || t.Hdr.Ttl < ttl {
			ttl = t.Hdr.Ttl
		}
	}
	c.txtCache.Set(name, txts, c.cacheTTL(ttl))
	return txts, nil
}

// A returns the ipv4 and ipv6 addresses of name, nil if name does not exist
func (c *Client) A(ctx context.Context, name string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		r, err := c.exchange(ctx, name, qtype)
		if errors.Is(err, ErrNXDomain) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, a := range r.Answer {
			switch rr := a.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	return ips, nil
}
