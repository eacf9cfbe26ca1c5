package mta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/pool"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"time"
)

type Config struct {
	// Hostname is used in EHLO and should be the fqdn of this node, eg mx0.posten.example
	Hostname       string        `env:"HOSTNAME"`
	Port           int           `env:"PORT" envDefault:"25"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"10m"`
	Workers        int           `env:"WORKERS" envDefault:"16"`
	BounceLocal    string        `env:"BOUNCE_LOCAL" envDefault:"bounces"`
}

type Store interface {
	InsertAttempt(ctx context.Context, a dao.DeliveryAttempt) error
	AddReputation(ctx context.Context, scope, key string, volume, failures int64) error
}

type Request struct {
	MessageID zid.ID
	TenantID  string
	// From is the envelope sender, ie. the return path
	From      string
	Recipient string
	Content   []byte
	Attempt   int
}

type Result struct {
	Outcome dao.Outcome
	Code    int
	Text    string
	MX      string
}

// Err maps the result onto the package errors, nil on success
func (r Result) Err() error {
	switch r.Outcome {
	case dao.OutcomeSuccess:
		return nil
	case dao.OutcomePermanent:
		return fmt.Errorf("%w: %s", ErrPermanent, r.Text)
	}
	return fmt.Errorf("%w: %s", Err4xx, r.Text)
}

// Engine delivers one message to one recipient by trying the exchangers of the recipient domain in order
type Engine struct {
	cfg      Config
	resolver dnsx.Resolver
	pool     *pool.Pool
	store    Store
	log      *logrus.Logger
}

func NewEngine(cfg Config, resolver dnsx.Resolver, p *pool.Pool, store Store, lc *tools.Logger) *Engine {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		pool:     p,
		store:    store,
		log:      lc.New("mta"),
	}
}

func (e *Engine) Deliver(ctx context.Context, req Request) Result {
	log := e.log.WithField("mid", req.MessageID.String()).WithField("tenant", req.TenantID).WithField("rcpt", req.Recipient)

	domain, err := tools.DomainOfEmail(req.Recipient)
	if err != nil {
		return e.record(ctx, req, domain, Result{Outcome: dao.OutcomePermanent, Code: 553, Text: err.Error()})
	}

	mxs, err := e.resolver.MX(ctx, domain)
	switch {
	case errors.Is(err, dnsx.ErrNXDomain), errors.Is(err, dnsx.ErrNullMX):
		log.WithError(err).WithField("domain", domain).Info("recipient domain does not accept mail")
		return e.record(ctx, req, domain, Result{Outcome: dao.OutcomePermanent, Code: 550, Text: err.Error()})
	case err != nil:
		log.WithError(err).WithField("domain", domain).Warn("could not resolve mx")
		return e.record(ctx, req, domain, Result{Outcome: dao.OutcomeTemporary, Text: fmt.Errorf("%w, %v", ErrDNS, err).Error()})
	case len(mxs) == 0:
		return e.record(ctx, req, domain, Result{Outcome: dao.OutcomeTemporary, Text: ErrDNS.Error()})
	}

	var last Result
	for _, mx := range mxs {
		if ctx.Err() != nil {
			break
		}
		addr := mx.Addr(e.cfg.Port)
		last = e.record(ctx, req, domain, e.attempt(ctx, addr, req))

		switch last.Outcome {
		case dao.OutcomeSuccess:
			log.WithField("mx", addr).Info("message delivered")
			return last
		case dao.OutcomePermanent:
			log.WithField("mx", addr).WithField("code", last.Code).Info("message rejected by mx")
			return last
		}
		log.WithField("mx", addr).WithField("code", last.Code).Infof("temporary failure, trying next mx: %s", last.Text)
	}

	if last.Outcome == "" {
		last = Result{Outcome: dao.OutcomeTemporary, Text: fmt.Sprintf("%v, no attempt was made", ctx.Err())}
	}
	last.Outcome = dao.OutcomeTemporary
	return last
}

func (e *Engine) attempt(ctx context.Context, addr string, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	lease, err := e.pool.Borrow(ctx, addr)
	if err != nil {
		return Result{Outcome: dao.OutcomeTemporary, MX: addr, Text: fmt.Errorf("%w, %v", ErrNoAvailableConnections, err).Error()}
	}
	defer lease.Release()

	err = lease.Send(ctx, req.From, []string{req.Recipient}, bytes.NewReader(req.Content))
	var cerr *pool.ConnectError
	switch {
	case err == nil:
		return Result{Outcome: dao.OutcomeSuccess, Code: 250, MX: addr}
	case errors.As(err, &cerr):
		return Result{Outcome: dao.OutcomeTemporary, MX: addr, Text: fmt.Errorf("%w, %v", ErrCouldNotConnect, cerr.Err).Error()}
	case smtpx.IsPermanent(err):
		return Result{Outcome: dao.OutcomePermanent, Code: smtpx.Code(err), MX: addr, Text: smtpx.Reply(err)}
	}
	return Result{Outcome: dao.OutcomeTemporary, Code: smtpx.Code(err), MX: addr, Text: smtpx.Reply(err)}
}

// record appends the attempt to the audit trail and the tenant domain reputation. Storage errors are logged,
// the outcome of the delivery stands regardless.
func (e *Engine) record(ctx context.Context, req Request, domain string, r Result) Result {
	ctx = context.WithoutCancel(ctx)
	err := e.store.InsertAttempt(ctx, dao.DeliveryAttempt{
		MessageID: req.MessageID,
		Recipient: req.Recipient,
		MX:        r.MX,
		Attempt:   req.Attempt,
		Outcome:   r.Outcome,
		Code:      r.Code,
		Response:  r.Text,
	})
	if err != nil {
		e.log.WithError(err).WithField("mid", req.MessageID.String()).Error("could not record delivery attempt")
	}

	if domain == "" {
		return r
	}
	var failures int64
	if r.Outcome == dao.OutcomePermanent {
		failures = 1
	}
	err = e.store.AddReputation(ctx, dao.ScopeTenantDomain, dao.ReputationKey(req.TenantID, domain), 1, failures)
	if err != nil {
		e.log.WithError(err).WithField("tenant", req.TenantID).WithField("domain", domain).Warn("could not update reputation")
	}
	return r
}
