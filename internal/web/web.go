package web

import (
	"context"
	"crypto/tls"
	"errors"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
	"net/http"
	"sync"
	"time"
)

type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	TLSAddr  string `env:"TLS_ADDR" envDefault:":8443"`
	Hostname string `env:"HOSTNAME"`
	MaxBody  string `env:"MAX_BODY" envDefault:"30M"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, kind dao.CredentialKind, id, secret string) (tenant.Principal, error)
}

type Ingester interface {
	Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error)
}

type Store interface {
	GetTenantMessage(ctx context.Context, tenantID string, id zid.ID) (dao.Message, error)
	GetRecipients(ctx context.Context, mid zid.ID) ([]dao.Recipient, error)
	Ping(ctx context.Context) error
}

type Records interface {
	DNSRecord(ctx context.Context, domain string) (name string, value string, err error)
}

type Server struct {
	cfg     Config
	auth    Authenticator
	ingest  Ingester
	store   Store
	records Records
	metrics *metrics.Metrics
	log     *logrus.Logger
	now     func() time.Time

	e   *echo.Echo
	mu  sync.Mutex
	srv []*http.Server
	wg  sync.WaitGroup
}

func New(cfg Config, auth Authenticator, in Ingester, store Store, records Records, lc *tools.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		auth:    auth,
		ingest:  in,
		store:   store,
		records: records,
		metrics: m,
		log:     lc.New("web"),
		now:     time.Now,
	}
	s.e = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.log.WithField("method", v.Method).
				WithField("uri", v.URI).
				WithField("status", v.Status).
				WithField("latency", v.Latency)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Debug("request")
			return nil
		},
	}))
	if s.cfg.MaxBody != "" {
		e.Use(middleware.BodyLimit(s.cfg.MaxBody))
	}
	if s.metrics != nil {
		prom := prometheus.NewPrometheus("echo", nil)
		e.Use(prom.HandlerFunc)
		e.GET("/metrics", echo.WrapHandler(s.metrics.HttpMetrics()))
	}

	e.GET("/ping", s.ping)
	e.GET("/dkim/:domain", s.dkimRecord)

	e.POST("/mta", s.mta, s.authenticate)
	e.GET("/messages/:id", s.message, s.authenticate)
	return e
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves plain http on Addr, and https on TLSAddr when tlsConfig is set. With an acme manager
// the plain listener also answers http-01 challenges.
func (s *Server) Start(tlsConfig *tls.Config, acme *autocert.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var handler http.Handler = s.e
	if acme != nil {
		handler = acme.HTTPHandler(s.e)
	}
	if s.cfg.Addr != "" {
		s.serve(&http.Server{Addr: s.cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}, false)
	}
	if tlsConfig != nil && s.cfg.TLSAddr != "" {
		s.serve(&http.Server{Addr: s.cfg.TLSAddr, Handler: s.e, TLSConfig: tlsConfig, ReadHeaderTimeout: 10 * time.Second}, true)
	}
}

func (s *Server) serve(srv *http.Server, secure bool) {
	s.srv = append(s.srv, srv)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.WithField("tls", secure).Infof("web listening on %s", srv.Addr)
		var err error
		if secure {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("web server stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	var errs []error
	for _, srv := range s.srv {
		errs = append(errs, srv.Shutdown(ctx))
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("web has been shut down")
	return errors.Join(errs...)
}
