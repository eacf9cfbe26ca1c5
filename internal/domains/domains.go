package domains

import (
	"context"
	"errors"
	"fmt"
	"github.com/matoous/go-nanoid/v2"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"strings"
	"sync"
)

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var ErrNotOwner = errors.New("domain is claimed by another tenant")
var ErrNotVerified = errors.New("verification record not found")

type Config struct {
	// VerifyPrefix is the label the verification TXT record is published under
	VerifyPrefix   string `env:"VERIFY_PREFIX" envDefault:"_posten-verification"`
	VerifySchedule string `env:"VERIFY_SCHEDULE" envDefault:"@every 6h"`
}

type Store interface {
	InsertDomain(ctx context.Context, dom dao.Domain, key dao.DKIMKey) error
	GetDomain(ctx context.Context, name string) (dao.Domain, error)
	ListDomains(ctx context.Context, tenantID string) ([]dao.Domain, error)
	ListDomainsByState(ctx context.Context, state dao.DomainState) ([]dao.Domain, error)
	SetDomainState(ctx context.Context, id zid.ID, state dao.DomainState) error
}

type Keys interface {
	NewKey(selector string) (dao.DKIMKey, error)
	NextSelector() string
	GetActiveKey(ctx context.Context, domain string) (keystore.KeyPair, error)
}

// Claim is what a tenant needs to publish once a domain is claimed
type Claim struct {
	Domain       string `json:"domain"`
	State        string `json:"state"`
	VerifyName   string `json:"verify_name"`
	VerifyRecord string `json:"verify_record"`
	DKIMName     string `json:"dkim_name"`
	DKIMRecord   string `json:"dkim_record"`
}

type Registry struct {
	cfg      Config
	store    Store
	keys     Keys
	resolver dnsx.Resolver
	log      *logrus.Logger
	cron     *cron.Cron

	ostart sync.Once
}

func New(cfg Config, store Store, keys Keys, resolver dnsx.Resolver, lc *tools.Logger) *Registry {
	if cfg.VerifyPrefix == "" {
		cfg.VerifyPrefix = "_posten-verification"
	}
	logger := lc.New("domains")
	return &Registry{
		cfg:      cfg,
		store:    store,
		keys:     keys,
		resolver: resolver,
		log:      logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger)))),
	}
}

func (r *Registry) VerifyName(domain string) string {
	return r.cfg.VerifyPrefix + "." + strings.ToLower(domain)
}

func verifyRecord(token string) string {
	return "posten-verification=" + token
}

// Claim registers a domain for the tenant in the pending state together with a new dkim key.
// A domain can only be claimed once across all tenants.
func (r *Registry) Claim(ctx context.Context, tenantID, name string) (Claim, error) {
	name = strings.Trim(strings.ToLower(strings.TrimSpace(name)), ".")
	if !validDomain(name) {
		return Claim{}, fmt.Errorf("invalid domain name %q", name)
	}

	token, err := gonanoid.Generate(tokenAlphabet, 32)
	if err != nil {
		return Claim{}, err
	}
	key, err := r.keys.NewKey(r.keys.NextSelector())
	if err != nil {
		return Claim{}, err
	}
	dom := dao.Domain{
		ID:       zid.New(),
		TenantID: tenantID,
		Name:     name,
		State:    dao.DomainPending,
		Token:    token,
		Selector: key.Selector,
	}
	err = r.store.InsertDomain(ctx, dom, key)
	if err != nil {
		return Claim{}, err
	}
	r.log.WithField("tenant", tenantID).WithField("domain", name).Info("domain claimed")
	return r.claim(ctx, dom)
}

func (r *Registry) claim(ctx context.Context, dom dao.Domain) (Claim, error) {
	c := Claim{
		Domain:       dom.Name,
		State:        string(dom.State),
		VerifyName:   r.VerifyName(dom.Name),
		VerifyRecord: verifyRecord(dom.Token),
	}
	key, err := r.keys.GetActiveKey(ctx, dom.Name)
	if err != nil {
		return c, err
	}
	c.DKIMName = key.RecordName()
	c.DKIMRecord = key.Record()
	return c, nil
}

// Get returns the claim of a domain owned by the tenant
func (r *Registry) Get(ctx context.Context, tenantID, name string) (Claim, error) {
	dom, err := r.owned(ctx, tenantID, name)
	if err != nil {
		return Claim{}, err
	}
	return r.claim(ctx, dom)
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]dao.Domain, error) {
	return r.store.ListDomains(ctx, tenantID)
}

func (r *Registry) owned(ctx context.Context, tenantID, name string) (dao.Domain, error) {
	dom, err := r.store.GetDomain(ctx, name)
	if err != nil {
		return dao.Domain{}, err
	}
	if dom.TenantID != tenantID {
		return dao.Domain{}, fmt.Errorf("%s: %w", name, ErrNotOwner)
	}
	return dom, nil
}

// Verify looks for the verification token in dns. Any lookup failure leaves, or puts, the domain in pending.
func (r *Registry) Verify(ctx context.Context, tenantID, name string) (dao.DomainState, error) {
	dom, err := r.owned(ctx, tenantID, name)
	if err != nil {
		return "", err
	}
	return r.verify(ctx, dom)
}

func (r *Registry) verify(ctx context.Context, dom dao.Domain) (dao.DomainState, error) {
	log := r.log.WithField("tenant", dom.TenantID).WithField("domain", dom.Name)

	state := dao.DomainPending
	records, err := r.resolver.TXT(ctx, r.VerifyName(dom.Name))
	if err == nil && slicez.Contains(records, verifyRecord(dom.Token)) {
		state = dao.DomainVerified
	}
	if err == nil && state == dao.DomainPending {
		err = ErrNotVerified
	}

	if state != dom.State {
		serr := r.store.SetDomainState(ctx, dom.ID, state)
		if serr != nil {
			return dom.State, serr
		}
		log.WithField("from", dom.State).WithField("to", state).Info("domain state changed")
	}
	if err != nil {
		log.WithError(err).Info("domain is not verified")
		return state, err
	}
	return state, nil
}

// Reverify checks all verified domains again, a domain whose record has disappeared turns pending
func (r *Registry) Reverify(ctx context.Context) error {
	doms, err := r.store.ListDomainsByState(ctx, dao.DomainVerified)
	if err != nil {
		return err
	}
	for _, dom := range doms {
		if dom.TenantID == dao.PlatformTenant {
			continue
		}
		_, _ = r.verify(ctx, dom)
	}
	return nil
}

func (r *Registry) Start() error {
	var err error
	r.ostart.Do(func() {
		if r.cfg.VerifySchedule == "" {
			return
		}
		_, err = r.cron.AddFunc(r.cfg.VerifySchedule, func() {
			if err := r.Reverify(context.Background()); err != nil {
				r.log.WithError(err).Error("could not reverify domains")
			}
		})
		if err != nil {
			err = fmt.Errorf("invalid verify schedule %q, %w", r.cfg.VerifySchedule, err)
			return
		}
		r.cron.Start()
	})
	return err
}

func (r *Registry) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validDomain(name string) bool {
	if len(name) == 0 || len(name) > 253 || !strings.Contains(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
