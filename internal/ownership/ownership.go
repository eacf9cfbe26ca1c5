package ownership

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/henry/compare"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"strings"
)

type Config struct {
	PlatformDomain string `env:"PLATFORM_DOMAIN"`
	LocalPrefix    string `env:"LOCAL_PREFIX" envDefault:"noreply"`
}

type Store interface {
	GetDomain(ctx context.Context, name string) (dao.Domain, error)
}

type Reason string

const (
	ReasonPlatform    Reason = "platform-domain"
	ReasonVerified    Reason = "verified"
	ReasonUnparsable  Reason = "unparsable"
	ReasonUnclaimed   Reason = "unclaimed"
	ReasonOtherTenant Reason = "claimed-by-other-tenant"
	ReasonUnverified  Reason = "unverified"
	ReasonLookupError Reason = "lookup-error"
)

type Result struct {
	OriginalAddress string
	FinalAddress    string
	DKIMDomain      string
	WasRewritten    bool
	Reason          Reason
}

// Validator decides which sender address a tenant may use. It only reads storage.
type Validator struct {
	cfg      Config
	store    Store
	log      *logrus.Logger
	rewrites *prometheus.CounterVec
}

func New(cfg Config, store Store, lc *tools.Logger, m *metrics.Metrics) *Validator {
	cfg.PlatformDomain = strings.ToLower(cfg.PlatformDomain)
	cfg.LocalPrefix = compare.Coalesce(cfg.LocalPrefix, "noreply")
	return &Validator{
		cfg:   cfg,
		store: store,
		log:   lc.New("ownership"),
		rewrites: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_sender_rewrites",
			Help: "Number of sender addresses rewritten to the platform fallback by reason.",
		}, []string{"reason"}),
	}
}

// Fallback is the platform address used for a tenant that may not use its requested sender
func (v *Validator) Fallback(tenantID string) string {
	return fmt.Sprintf("%s+tenant%s@%s", v.cfg.LocalPrefix, tenantID, v.cfg.PlatformDomain)
}

// Validate accepts from unchanged if it is in the platform domain or in a domain verified by the tenant.
// Anything else, including storage errors, results in the fallback address signed by the platform domain.
func (v *Validator) Validate(ctx context.Context, tenantID string, from string) Result {
	from = tools.TrimPath(from)
	domain, err := tools.DomainOfEmail(from)
	if err != nil {
		return v.rewrite(tenantID, from, "", ReasonUnparsable, err)
	}

	if domain == v.cfg.PlatformDomain {
		return Result{OriginalAddress: from, FinalAddress: from, DKIMDomain: v.cfg.PlatformDomain, Reason: ReasonPlatform}
	}

	dom, err := v.store.GetDomain(ctx, domain)
	switch {
	case errors.Is(err, dao.ErrNotFound):
		return v.rewrite(tenantID, from, domain, ReasonUnclaimed, nil)
	case err != nil:
		return v.rewrite(tenantID, from, domain, ReasonLookupError, err)
	case dom.TenantID != tenantID:
		return v.rewrite(tenantID, from, domain, ReasonOtherTenant, nil)
	case dom.State != dao.DomainVerified:
		return v.rewrite(tenantID, from, domain, ReasonUnverified, nil)
	}
	return Result{OriginalAddress: from, FinalAddress: from, DKIMDomain: dom.Name, Reason: ReasonVerified}
}

func (v *Validator) rewrite(tenantID, from, domain string, reason Reason, err error) Result {
	r := Result{
		OriginalAddress: from,
		FinalAddress:    v.Fallback(tenantID),
		DKIMDomain:      v.cfg.PlatformDomain,
		WasRewritten:    true,
		Reason:          reason,
	}
	v.rewrites.WithLabelValues(string(reason)).Inc()
	entry := v.log.WithField("tenant", tenantID).
		WithField("domain", domain).
		WithField("original", from).
		WithField("final", r.FinalAddress).
		WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("sender address rewritten")
	return r
}
