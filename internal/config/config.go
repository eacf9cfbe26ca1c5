package config

import (
	"errors"
	"fmt"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/internal/domains"
	"github.com/modfin/posten/internal/events"
	"github.com/modfin/posten/internal/gate"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/internal/msa"
	"github.com/modfin/posten/internal/mta"
	"github.com/modfin/posten/internal/ownership"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/internal/web"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/pool"
	"github.com/modfin/posten/tools"
	"io/fs"
	"strings"
	"sync"
)

type Config struct {
	// PlatformDomain is the domain posten sends from when a tenant does not own the sender domain, eg posten.example
	PlatformDomain string `env:"PLATFORM_DOMAIN"`
	// Hostname is the fqdn of this particular node, eg mx0.posten.example
	Hostname       string `env:"HOSTNAME"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // text or json

	DB        dao.Config       `envPrefix:"DB_"`
	DNS       dnsx.Config      `envPrefix:"DNS_"`
	Metrics   metrics.Config   `envPrefix:"METRICS_"`
	Keys      keystore.Config  `envPrefix:"DKIM_"`
	Ownership ownership.Config `envPrefix:"OWNERSHIP_"`
	Gate      gate.Config      `envPrefix:"GATE_"`
	Spool     spool.Config     `envPrefix:"SPOOL_"`
	MTA       mta.Config       `envPrefix:"MTA_"`
	Dial      smtpx.DialConfig `envPrefix:"DIAL_"`
	Pool      pool.Config      `envPrefix:"POOL_"`
	MSA       msa.Config       `envPrefix:"SMTP_"`
	Web       web.Config       `envPrefix:"HTTP_"`
	Ingest    ingest.Config    `envPrefix:"INGEST_"`
	Domains   domains.Config   `envPrefix:"DOMAINS_"`
	Events    events.Config    `envPrefix:"EVENTS_"`
	TLS       tools.TLSConfig  `envPrefix:"TLS_"`
}

const Prefix = "POSTEN_"

var (
	once sync.Once
	cfg  Config
	err  error
)

// Get loads the configuration once, from the environment and an optional .env file
func Get() (*Config, error) {
	once.Do(func() {
		cfg, err = Load(".env")
	})
	return &cfg, err
}

// Load reads dotenv files, if they exist, into the environment and parses it. Variables already
// set in the environment take precedence over the files.
func Load(dotenv ...string) (Config, error) {
	for _, f := range dotenv {
		if e := godotenv.Load(f); e != nil && !errors.Is(e, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("could not load %s, %w", f, e)
		}
	}

	c := Config{}
	if e := env.Parse(&c, env.Options{Prefix: Prefix}); e != nil {
		return Config{}, fmt.Errorf("could not parse config from env, %w", e)
	}
	c.share()
	return c, nil
}

// share pushes the node wide settings into the components that did not set their own
func (c *Config) share() {
	c.PlatformDomain = strings.ToLower(strings.TrimSpace(c.PlatformDomain))
	c.Hostname = strings.ToLower(strings.TrimSpace(c.Hostname))

	set := func(dst *string, val string) {
		if *dst == "" {
			*dst = val
		}
	}
	set(&c.Keys.PlatformDomain, c.PlatformDomain)
	set(&c.Ownership.PlatformDomain, c.PlatformDomain)
	set(&c.MSA.PlatformDomain, c.PlatformDomain)

	set(&c.MTA.Hostname, c.Hostname)
	set(&c.MSA.Hostname, c.Hostname)
	set(&c.Web.Hostname, c.Hostname)
	set(&c.Ingest.Hostname, c.Hostname)

	set(&c.MSA.BounceLocal, c.MTA.BounceLocal)
}

// Validate reports settings that the daemon can not run without
func (c *Config) Validate() error {
	var errs []error
	if c.PlatformDomain == "" {
		errs = append(errs, fmt.Errorf("%sPLATFORM_DOMAIN is required", Prefix))
	}
	if c.Hostname == "" {
		errs = append(errs, fmt.Errorf("%sHOSTNAME is required", Prefix))
	}
	return errors.Join(errs...)
}
