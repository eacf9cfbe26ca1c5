package msa

import (
	"bytes"
	"context"
	"errors"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/gate"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/mta"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"io"
	"net"
	"sort"
	"strings"
)

const mechLogin = "LOGIN"

var errRelayDenied = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "relaying denied"}
var errNoMailbox = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such mailbox"}
var errLookup = &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "temporary failure, try again later"}

type bounce struct {
	mid  zid.ID
	rcpt string
}

// session is the state of one smtp connection, nothing is shared between sessions
type session struct {
	msa       *MSA
	mode      Mode
	remote    net.IP
	log       *logrus.Entry
	principal *tenant.Principal

	from    string
	rcpts   []string
	inbound map[string][]string // tenant -> recipients
	bounces []bounce
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, mechLogin}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if s.principal != nil {
		return nil, &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "already authenticated"}
	}
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return smtp.ErrAuthFailed
			}
			return s.authenticate(username, password)
		}), nil
	case mechLogin:
		return newLoginServer(s.authenticate), nil
	}
	return nil, smtp.ErrAuthUnknownMechanism
}

func (s *session) authenticate(username, password string) error {
	p, err := s.msa.auth.Authenticate(context.Background(), dao.CredentialSMTP, username, password)
	if err != nil {
		s.msa.refused.WithLabelValues(string(s.mode), "auth").Inc()
		if errors.Is(err, tenant.ErrUnauthorized) {
			return smtp.ErrAuthFailed
		}
		s.log.WithError(err).Error("could not authenticate")
		return &smtp.SMTPError{Code: 454, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "temporary authentication failure"}
	}
	s.principal = &p
	s.log = s.log.WithField("tenant", p.TenantID)
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.mode == ModeSubmission && s.principal == nil {
		s.msa.refused.WithLabelValues(string(s.mode), "mail").Inc()
		return smtp.ErrAuthRequired
	}
	s.Reset()
	s.from = tools.TrimPath(from)
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	to = strings.ToLower(tools.TrimPath(to))
	domain, err := tools.DomainOfEmail(to)
	if err != nil {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "invalid recipient address"}
	}

	if s.principal != nil {
		s.rcpts = append(s.rcpts, to)
		return nil
	}

	if domain == s.msa.cfg.PlatformDomain {
		if mid, rcpt, ok := mta.ParseReturnPath(s.msa.cfg.BounceLocal, to); ok {
			s.bounces = append(s.bounces, bounce{mid: mid, rcpt: rcpt})
			return nil
		}
	}

	tenantID, ok, err := s.msa.local(context.Background(), domain)
	switch {
	case err != nil:
		s.log.WithError(err).WithField("domain", domain).Error("could not look up recipient domain")
		return errLookup
	case !ok:
		s.msa.refused.WithLabelValues(string(s.mode), "rcpt").Inc()
		s.log.WithField("rcpt", to).WithField("from", s.from).WithField("reason", "relay").Info("recipient refused")
		return errRelayDenied
	case tenantID == dao.PlatformTenant && domain == s.msa.cfg.PlatformDomain:
		return errNoMailbox
	}
	if s.inbound == nil {
		s.inbound = map[string][]string{}
	}
	s.inbound[tenantID] = append(s.inbound[tenantID], to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return smtp.ErrDataTooLarge
		}
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 0}, Message: "error reading message"}
	}
	ctx := context.Background()

	if len(s.bounces) > 0 {
		s.handleBounces(ctx, raw)
	}

	if s.principal != nil {
		return s.submit(ctx, ingest.Submission{
			Source: dao.SourceSubmission,
			Conn: gate.Conn{
				RemoteIP:      s.remote,
				Authenticated: true,
				TenantID:      s.principal.TenantID,
				CredentialID:  s.principal.CredentialID,
			},
			EnvelopeFrom: s.from,
			Recipients:   s.rcpts,
			Raw:          raw,
		})
	}

	tenants := make([]string, 0, len(s.inbound))
	for t := range s.inbound {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	subs := make([]ingest.Submission, 0, len(tenants))
	for _, t := range tenants {
		subs = append(subs, ingest.Submission{
			Source:       dao.SourceInbound,
			Conn:         gate.Conn{RemoteIP: s.remote, TenantID: t},
			EnvelopeFrom: s.from,
			Recipients:   s.inbound[t],
			Raw:          bytes.Clone(raw),
		})
	}
	if len(subs) == 0 {
		return nil
	}
	rs, err := s.msa.ingest.SubmitAll(ctx, subs...)
	if err != nil {
		s.msa.refused.WithLabelValues(string(s.mode), "data").Inc()
		return ingest.AsRejection(err).SMTP()
	}
	for _, r := range rs {
		s.log.WithField("mid", r.MessageID.String()).WithField("recipients", len(r.Recipients)).Debug("message accepted")
	}
	return nil
}

func (s *session) submit(ctx context.Context, sub ingest.Submission) error {
	r, err := s.msa.ingest.Submit(ctx, sub)
	if err != nil {
		s.msa.refused.WithLabelValues(string(s.mode), "data").Inc()
		return ingest.AsRejection(err).SMTP()
	}
	s.log.WithField("mid", r.MessageID.String()).WithField("recipients", len(r.Recipients)).Debug("message accepted")
	return nil
}

// handleBounces marks the recipients of a delivery status notification as bounced.
// The notification is accepted even if the message is unknown, the sender can not act on a rejection.
func (s *session) handleBounces(ctx context.Context, raw []byte) {
	info := diagnostic(raw)
	for _, b := range s.bounces {
		log := s.log.WithField("mid", b.mid.String()).WithField("rcpt", b.rcpt)
		err := s.msa.bounces.Bounce(ctx, b.mid, b.rcpt, info)
		switch {
		case errors.Is(err, dao.ErrNotFound):
			log.Info("bounce for unknown message")
		case err != nil:
			log.WithError(err).Error("could not register bounce")
		default:
			log.WithField("info", info).Info("bounce registered")
		}
	}
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
	s.inbound = nil
	s.bounces = nil
}

func (s *session) Logout() error {
	s.msa.release(s.mode)
	return nil
}
