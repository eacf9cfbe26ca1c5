package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/posten/internal/config"
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
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/internal/web"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/pool"
	"github.com/modfin/posten/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {

	app := &cli.App{
		Name:   "postend",
		Usage:  "a multi-tenant service for sending transactional emails",
		Flags:  []cli.Flag{},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the smtp front ends, the http api and the delivery workers",
				Action: serve,
			},
			tenantCommand,
			credentialCommand,
			domainCommand,
			dkimCommand,
			blockCommand,
			reputationCommand,
			statsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}

}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func serve(c *cli.Context) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lc, err := tools.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	l := lc.New("postend")

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("Starting server")

	var services []Stoppable

	m := metrics.New(cfg.Metrics, lc)
	m.Start()
	services = append(services, m)

	db, err := dao.New(cfg.DB, lc)
	if err != nil {
		return fmt.Errorf("could not open database, %w", err)
	}
	defer db.Close()

	resolver := dnsx.New(cfg.DNS, lc, m)
	services = append(services, resolver)

	keys := keystore.New(cfg.Keys, db, lc, m)
	services = append(services, keys)
	if err := keys.EnsurePlatformKey(c.Context); err != nil {
		return fmt.Errorf("could not ensure platform dkim key, %w", err)
	}

	owner := ownership.New(cfg.Ownership, db, lc, m)

	var counter gate.Counter = gate.NewDBCounter(db)
	if cfg.Gate.RedisURL != "" {
		rc, err := gate.NewRedisCounter(cfg.Gate.RedisURL)
		if err != nil {
			return fmt.Errorf("could not connect to redis, %w", err)
		}
		counter = rc
		services = append(services, rc)
	}
	g := gate.New(cfg.Gate, counter, db, resolver, lc, m)

	queue := spool.New(cfg.Spool, db, lc, m)

	connections := pool.New(cfg.Pool, smtpx.NewDialer(cfg.Dial, lc.New("smtp-client")), cfg.Hostname, lc, m)
	connections.Start()

	engine := mta.NewEngine(cfg.MTA, resolver, connections, db, lc)
	worker := mta.NewWorker(cfg.MTA, cfg.PlatformDomain, db, keys, engine, lc)
	worker.Start(queue)

	if err := queue.Start(); err != nil {
		return err
	}
	// the queue is drained before the connections it delivers through are closed
	services = append(services, stopInOrder(queue, connections))

	pipeline := ingest.New(cfg.Ingest, g, owner, queue, lc, m)
	tenants := tenant.New(db, lc)

	registry := domains.New(cfg.Domains, db, keys, resolver, lc)
	if err := registry.Start(); err != nil {
		return err
	}
	services = append(services, registry)

	var publisher events.Publisher = events.NewJobs(queue)
	if cfg.Events.AMQPURL != "" {
		publisher, err = events.NewAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.Events.PublishTimeout, lc.New("amqp"))
		if err != nil {
			return fmt.Errorf("could not connect to amqp, %w", err)
		}
	}
	dispatcher := events.New(cfg.Events, db, publisher, lc, m)
	if err := dispatcher.Start(); err != nil {
		return err
	}
	services = append(services, dispatcher)

	tlsConfig, acme, err := cfg.TLS.Load()
	if err != nil {
		return fmt.Errorf("could not load tls config, %w", err)
	}

	smtpd := msa.New(cfg.MSA, tlsConfig, pipeline, tenants, worker, db, g, lc, m)
	if err := smtpd.Start(); err != nil {
		return err
	}
	services = append(services, smtpd)

	api := web.New(cfg.Web, tenants, pipeline, db, keys, lc, m)
	api.Start(tlsConfig, acme)
	services = append(services, api)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
			os.Exit(1)
		}
	}()

	wg.Wait()
	l.Infof("Shutdown complete, terminating now")
	return nil
}

type stopFunc func(ctx context.Context) error

func (f stopFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

func stopInOrder(services ...Stoppable) Stoppable {
	return stopFunc(func(ctx context.Context) error {
		var errs []error
		for _, s := range services {
			errs = append(errs, s.Stop(ctx))
		}
		return errors.Join(errs...)
	})
}
