package metrics

import (
	"context"
	"crypto/subtle"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
	"net/http"
	"sync"
	"time"
)

type Config struct {
	ServiceName  string        `env:"SERVICE_NAME" envDefault:"postend"`
	Push         string        `env:"PUSH_URL"`
	PushInterval time.Duration `env:"PUSH_INTERVAL" envDefault:"1m"`
	Poll         bool          `env:"POLL" envDefault:"true"`
	PollUser     string        `env:"POLL_BASIC_AUTH_USER"`
	PollPassword string        `env:"POLL_BASIC_AUTH_PASS"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	p := &Metrics{
		config:     c,
		logger:     lc.New("prometheus"),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(p.gatherer)
	}
	return p
}

// Metrics owns the prometheus registry. A nil *Metrics hands out collectors that are never registered.
type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config     Config
	pusher     *push.Pusher
	logger     *logrus.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	once sync.Once
}

func (p *Metrics) Start() {
	p.once.Do(func() {
		if p.config.PushInterval.Seconds() < 10 {
			p.config.PushInterval = 1 * time.Minute
		}
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	p.Start()
	close(p.done)
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) Register() promauto.Factory {
	if p == nil {
		return promauto.With(nil)
	}
	return promauto.With(p.registerer)
}

func (p *Metrics) HttpMetrics() http.HandlerFunc {

	if !p.config.Poll {
		p.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	p.logger.Infof("metrics polling is enabled")

	if p.config.PollUser != "" || p.config.PollPassword != "" {
		p.logger.WithField("user", p.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	handler := promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
	return func(writer http.ResponseWriter, request *http.Request) {
		if p.config.PollUser != "" || p.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != p.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(p.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(writer, request)
	}
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Infof("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.Errorf("failed to push metrics: %v", err)
	}
}
