package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/labstack/echo/v4"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/gate"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/envelope"
	"net"
	"net/http"
	"strings"
)

const principalKey = "principal"

func principal(c echo.Context) tenant.Principal {
	p, _ := c.Get(principalKey).(tenant.Principal)
	return p
}

// authenticate accepts an api key as basic auth, or as ?key=<id>:<secret>
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, secret, ok := c.Request().BasicAuth()
		if key := c.QueryParam("key"); !ok && key != "" {
			id, secret, ok = strings.Cut(key, ":")
		}
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "no authentication was provided or wrong format")
		}
		p, err := s.auth.Authenticate(c.Request().Context(), dao.CredentialAPI, id, secret)
		if errors.Is(err, tenant.ErrUnauthorized) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}
		if err != nil {
			return fmt.Errorf("could not authenticate, %w", err)
		}
		c.Set(principalKey, p)
		return next(c)
	}
}

func (s *Server) mta(c echo.Context) error {
	p := principal(c)

	var email = &posten.Email{}
	dec := json.NewDecoder(c.Request().Body)
	err := dec.Decode(email)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	err = valid(email)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	raw, err := envelope.Compose(email, smtpx.GenerateId(s.cfg.Hostname), s.now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	r, err := s.ingest.Submit(c.Request().Context(), ingest.Submission{
		Source: dao.SourceAPI,
		Conn: gate.Conn{
			RemoteIP:      net.ParseIP(c.RealIP()),
			Authenticated: true,
			TenantID:      p.TenantID,
			CredentialID:  p.CredentialID,
		},
		EnvelopeFrom: email.From.Email,
		Recipients:   email.Recipients(),
		Raw:          raw,
	})
	if err != nil {
		rej := ingest.AsRejection(err)
		if rej.Temporary() && rej.Status() == http.StatusServiceUnavailable {
			s.log.WithError(err).WithField("tenant", p.TenantID).Error("could not submit message")
		}
		return echo.NewHTTPError(rej.Status(), rej.Reason)
	}

	return c.JSON(http.StatusAccepted, posten.Receipt{
		MessageID:  r.MessageID.String(),
		From:       r.From,
		Rewritten:  r.Rewritten,
		Recipients: r.Recipients,
		Jobs:       slicez.Map(r.Jobs, zid.ID.String),
	})
}

func (s *Server) message(c echo.Context) error {
	p := principal(c)
	id, err := zid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	ctx := c.Request().Context()

	m, err := s.store.GetTenantMessage(ctx, p.TenantID, id)
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		return err
	}
	rcpts, err := s.store.GetRecipients(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, posten.MessageStatus{
		MessageID:    m.ID.String(),
		State:        string(m.State),
		From:         m.HeaderFrom,
		OriginalFrom: m.OriginalFrom,
		Rewritten:    m.Rewritten,
		Subject:      m.Subject,
		RiskScore:    m.RiskScore,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		Recipients: slicez.Map(rcpts, func(r dao.Recipient) posten.RecipientStatus {
			return posten.RecipientStatus{
				Recipient: r.Recipient,
				Status:    string(r.Status),
				Attempts:  r.Attempts,
				LastError: r.LastError,
				UpdatedAt: r.UpdatedAt,
			}
		}),
	})
}

type dnsRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *Server) dkimRecord(c echo.Context) error {
	name, value, err := s.records.DNSRecord(c.Request().Context(), c.Param("domain"))
	if errors.Is(err, dao.ErrNotFound) || errors.Is(err, keystore.ErrNoActiveKey) {
		return echo.NewHTTPError(http.StatusNotFound, "no dkim key for domain")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dnsRecord{Name: name, Type: "TXT", Value: value})
}

func (s *Server) ping(c echo.Context) error {
	err := s.store.Ping(c.Request().Context())
	if err != nil {
		s.log.WithError(err).Error("ping failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return c.String(http.StatusOK, "pong")
}

func valid(email *posten.Email) error {
	return errors.Join(
		validateFrom(email),
		validateRecipients(email),
		validateSubject(email),
		validateContent(email),
	)
}

func validateFrom(email *posten.Email) error {
	err := email.From.Valid()
	if err != nil {
		return fmt.Errorf("email %s, is not a valid email address", email.From.String())
	}
	return nil
}

func validateRecipients(email *posten.Email) error {
	all := slicez.Concat(email.To, email.Cc, email.Bcc)
	if len(all) == 0 {
		return errors.New("at least one recipient must be provided")
	}
	for _, a := range all {
		err := a.Valid()
		if err != nil {
			return fmt.Errorf("email %s, is not a valid email address", a.String())
		}
	}
	return nil
}

func validateSubject(email *posten.Email) error {
	if len(email.Subject) == 0 {
		return errors.New("a subject must be provided")
	}
	return nil
}

func validateContent(email *posten.Email) error {
	if len(email.Text) == 0 && len(email.HTML) == 0 {
		return errors.New("content of the email must be provided")
	}
	return nil
}
