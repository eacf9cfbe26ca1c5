package msa

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/gate"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"net"
	"strings"
	"sync"
	"time"
)

// Mode tells the listeners apart, the exchanger accepts mail for local domains and
// submission requires every session to authenticate
type Mode string

const (
	ModeInbound    Mode = "inbound"
	ModeSubmission Mode = "submission"
)

type Config struct {
	Hostname       string `env:"HOSTNAME"`
	PlatformDomain string `env:"PLATFORM_DOMAIN"`
	BounceLocal    string `env:"BOUNCE_LOCAL" envDefault:"bounces"`

	InboundAddr    string `env:"INBOUND_ADDR" envDefault:":25"`
	SubmissionAddr string `env:"SUBMISSION_ADDR" envDefault:":587"`

	// LocalDomains are accepted by the exchanger in addition to the platform and verified tenant domains
	LocalDomains []string `env:"LOCAL_DOMAINS" envSeparator:","`

	MaxRecipients     int           `env:"MAX_RECIPIENTS" envDefault:"100"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"26214400"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"200"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	AllowInsecureAuth bool          `env:"ALLOW_INSECURE_AUTH" envDefault:"false"`
}

type Ingester interface {
	Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error)
	// SubmitAll queues either all submissions or none of them
	SubmitAll(ctx context.Context, subs ...ingest.Submission) ([]ingest.Receipt, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, kind dao.CredentialKind, id, secret string) (tenant.Principal, error)
}

type Bouncer interface {
	Bounce(ctx context.Context, mid zid.ID, rcpt string, info string) error
}

type DomainStore interface {
	GetDomain(ctx context.Context, name string) (dao.Domain, error)
}

type Connector interface {
	Connect(ctx context.Context, ip net.IP) gate.Decision
}

// MSA runs the smtp listeners, the inbound exchanger and the submission agent
type MSA struct {
	cfg     Config
	tls     *tls.Config
	ingest  Ingester
	auth    Authenticator
	bounces Bouncer
	domains DomainStore
	gate    Connector
	log     *logrus.Logger

	mu        sync.Mutex
	servers   map[Mode]*smtp.Server
	listeners map[Mode]net.Listener
	conns     map[Mode]int
	wg        sync.WaitGroup

	sessions *prometheus.CounterVec
	refused  *prometheus.CounterVec
}

func New(cfg Config, tlsConfig *tls.Config, in Ingester, auth Authenticator, bounces Bouncer, domains DomainStore, g Connector, lc *tools.Logger, m *metrics.Metrics) *MSA {
	cfg.PlatformDomain = strings.ToLower(cfg.PlatformDomain)
	if cfg.BounceLocal == "" {
		cfg.BounceLocal = "bounces"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = cfg.PlatformDomain
	}
	cfg.LocalDomains = slicez.Map(cfg.LocalDomains, func(d string) string {
		return strings.ToLower(strings.TrimSpace(d))
	})
	return &MSA{
		cfg:       cfg,
		tls:       tlsConfig,
		ingest:    in,
		auth:      auth,
		bounces:   bounces,
		domains:   domains,
		gate:      g,
		log:       lc.New("msa"),
		servers:   map[Mode]*smtp.Server{},
		listeners: map[Mode]net.Listener{},
		conns:     map[Mode]int{},
		sessions: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_smtp_sessions",
			Help: "Number of smtp sessions by listener",
		}, []string{"mode"}),
		refused: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_smtp_refused",
			Help: "Number of refused smtp commands by listener and command",
		}, []string{"mode", "command"}),
	}
}

func (m *MSA) server(mode Mode) *smtp.Server {
	s := smtp.NewServer(&backend{msa: m, mode: mode})
	s.Domain = m.cfg.Hostname
	s.MaxRecipients = m.cfg.MaxRecipients
	s.MaxMessageBytes = m.cfg.MaxMessageBytes
	s.ReadTimeout = m.cfg.ReadTimeout
	s.WriteTimeout = m.cfg.WriteTimeout
	s.AllowInsecureAuth = m.cfg.AllowInsecureAuth
	s.TLSConfig = m.tls
	s.ErrorLog = m.log
	return s
}

// Start opens the configured listeners, an empty address disables a listener
func (m *MSA) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for mode, addr := range map[Mode]string{ModeInbound: m.cfg.InboundAddr, ModeSubmission: m.cfg.SubmissionAddr} {
		if addr == "" {
			continue
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Join(fmt.Errorf("could not listen on %s for %s, %w", addr, mode, err), m.close())
		}
		s := m.server(mode)
		m.servers[mode] = s
		m.listeners[mode] = l

		m.wg.Add(1)
		go func(mode Mode) {
			defer m.wg.Done()
			m.log.WithField("mode", mode).Infof("smtp listening on %s", l.Addr())
			err := s.Serve(l)
			if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
				m.log.WithError(err).WithField("mode", mode).Error("smtp listener stopped")
			}
		}(mode)
	}
	return nil
}

// Addr is the address a listener is bound to, nil if it is not started
func (m *MSA) Addr(mode Mode) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[mode]
	if !ok {
		return nil
	}
	return l.Addr()
}

func (m *MSA) close() error {
	var errs []error
	for _, s := range m.servers {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (m *MSA) Stop(ctx context.Context) error {
	m.mu.Lock()
	var errs []error
	for _, s := range m.servers {
		errs = append(errs, s.Shutdown(ctx))
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.mu.Lock()
		errs = append(errs, ctx.Err(), m.close())
		m.mu.Unlock()
	}
	m.log.Info("msa has been shut down")
	return errors.Join(errs...)
}

// acquire limits the number of concurrent sessions per listener
func (m *MSA) acquire(mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConnections > 0 && m.conns[mode] >= m.cfg.MaxConnections {
		return false
	}
	m.conns[mode]++
	return true
}

func (m *MSA) release(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[mode]--
}

// local resolves which tenant receives mail for a domain, ok is false for domains that must be relayed
func (m *MSA) local(ctx context.Context, domain string) (tenantID string, ok bool, err error) {
	if domain == m.cfg.PlatformDomain || slicez.Contains(m.cfg.LocalDomains, domain) {
		return dao.PlatformTenant, true, nil
	}
	dom, err := m.domains.GetDomain(ctx, domain)
	switch {
	case errors.Is(err, dao.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	case dom.State != dao.DomainVerified:
		return "", false, nil
	}
	return dom.TenantID, true, nil
}

type backend struct {
	msa  *MSA
	mode Mode
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	m := b.msa
	var ip net.IP
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP
	}
	log := m.log.WithField("mode", b.mode).WithField("remote", ip.String())

	if !m.acquire(b.mode) {
		m.refused.WithLabelValues(string(b.mode), "connect").Inc()
		log.Warn("too many connections")
		return nil, &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 3, 2}, Message: "too many connections, try again later"}
	}

	d := m.gate.Connect(context.Background(), ip)
	if !d.Allow {
		m.release(b.mode)
		m.refused.WithLabelValues(string(b.mode), "connect").Inc()
		if d.Temporary {
			return nil, &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "service unavailable, try again later"}
		}
		return nil, &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "connection refused"}
	}

	m.sessions.WithLabelValues(string(b.mode)).Inc()
	return &session{
		msa:    m,
		mode:   b.mode,
		remote: ip,
		log:    log,
	}, nil
}
