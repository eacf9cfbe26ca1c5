package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/jellydator/ttlcache/v3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/modfin/henry/compare"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/smtpx/envelope/signer"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"os"
	"strings"
	"time"
)

var ErrNoActiveKey = errors.New("no active dkim key")

type Config struct {
	PlatformDomain   string `env:"PLATFORM_DOMAIN"`
	PlatformSelector string `env:"PLATFORM_SELECTOR" envDefault:"posten"`
	PlatformKey      string `env:"PLATFORM_KEY"`      // PKCS1 pem, generated on first start if empty
	PlatformKeyFile  string `env:"PLATFORM_KEY_FILE"` // as PlatformKey, read from file
	SelectorPrefix   string `env:"SELECTOR_PREFIX" envDefault:"posten"`
	Bits             int    `env:"BITS" envDefault:"2048"`
}

type Store interface {
	GetDomain(ctx context.Context, name string) (dao.Domain, error)
	InsertDomain(ctx context.Context, dom dao.Domain, key dao.DKIMKey) error
	GetActiveKey(ctx context.Context, domain string) (dao.DKIMKey, error)
	AddKey(ctx context.Context, key dao.DKIMKey) error
	RotateKey(ctx context.Context, next dao.DKIMKey) (dao.DKIMKey, error)
}

// KeyPair is the public view of a stored key, the private part stays in the store
type KeyPair struct {
	ID        zid.ID    `json:"id"`
	Domain    string    `json:"domain"`
	Selector  string    `json:"selector"`
	Algorithm string    `json:"algorithm"`
	Bits      int       `json:"bits"`
	PublicKey string    `json:"public_key"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (k KeyPair) RecordName() string {
	return k.Selector + "._domainkey." + k.Domain
}

func (k KeyPair) Record() string {
	return signer.Record(k.PublicKey)
}

type KeyStore struct {
	store   Store
	cfg     Config
	log     *logrus.Logger
	signers *ttlcache.Cache[zid.ID, *signer.Signer]
	bits    int

	fallbacks *prometheus.CounterVec
}

func New(cfg Config, store Store, lc *tools.Logger, m *metrics.Metrics) *KeyStore {
	k := &KeyStore{
		store: store,
		cfg:   cfg,
		log:   lc.New("keystore"),
		signers: ttlcache.New[zid.ID, *signer.Signer](
			ttlcache.WithTTL[zid.ID, *signer.Signer](10 * time.Minute),
		),
		bits: compare.Coalesce(cfg.Bits, signer.Bits),
		fallbacks: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_dkim_fallbacks",
			Help: "Number of messages signed with the platform key since the domain key could not be used.",
		}, []string{"reason"}),
	}
	k.cfg.PlatformSelector = compare.Coalesce(k.cfg.PlatformSelector, "posten")
	k.cfg.SelectorPrefix = compare.Coalesce(k.cfg.SelectorPrefix, "posten")
	go k.signers.Start()
	return k
}

func (k *KeyStore) Stop(ctx context.Context) error {
	k.signers.Stop()
	return nil
}

func pair(domain string, key dao.DKIMKey) KeyPair {
	return KeyPair{
		ID:        key.ID,
		Domain:    strings.ToLower(domain),
		Selector:  key.Selector,
		Algorithm: key.Algorithm,
		Bits:      key.Bits,
		PublicKey: key.PublicKey,
		Active:    key.Active,
		CreatedAt: key.CreatedAt,
	}
}

func (k *KeyStore) GetActiveKey(ctx context.Context, domain string) (KeyPair, error) {
	key, err := k.store.GetActiveKey(ctx, domain)
	if errors.Is(err, dao.ErrNotFound) {
		return KeyPair{}, fmt.Errorf("%s: %w", domain, ErrNoActiveKey)
	}
	if err != nil {
		return KeyPair{}, err
	}
	return pair(domain, key), nil
}

// NewKey creates, but does not store, a key for the domain
func (k *KeyStore) NewKey(selector string) (dao.DKIMKey, error) {
	priv, pub, err := signer.GenerateKey(k.bits)
	if err != nil {
		return dao.DKIMKey{}, err
	}
	return dao.DKIMKey{
		ID:         zid.New(),
		Selector:   selector,
		Algorithm:  signer.Algorithm,
		Bits:       k.bits,
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// GenerateKey creates and stores a key for an existing domain. It becomes active only if the domain has no active key.
func (k *KeyStore) GenerateKey(ctx context.Context, domain, selector string) (KeyPair, error) {
	dom, err := k.store.GetDomain(ctx, domain)
	if err != nil {
		return KeyPair{}, fmt.Errorf("could not find domain %s, %w", domain, err)
	}
	key, err := k.NewKey(compare.Coalesce(selector, dom.Selector))
	if err != nil {
		return KeyPair{}, err
	}
	key.DomainID = dom.ID
	err = k.store.AddKey(ctx, key)
	if err != nil {
		return KeyPair{}, err
	}
	k.log.WithField("domain", domain).WithField("selector", key.Selector).Info("generated dkim key")
	return k.GetActiveKey(ctx, domain)
}

// RotateKey replaces the active key of a domain with a new key under a new selector,
// the old key is deactivated only once the new one is stored
func (k *KeyStore) RotateKey(ctx context.Context, domain string) (KeyPair, error) {
	dom, err := k.store.GetDomain(ctx, domain)
	if err != nil {
		return KeyPair{}, fmt.Errorf("could not find domain %s, %w", domain, err)
	}
	key, err := k.NewKey(k.NextSelector())
	if err != nil {
		return KeyPair{}, err
	}
	key.DomainID = dom.ID
	rotated, err := k.store.RotateKey(ctx, key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("could not rotate key of %s, %w", domain, err)
	}
	k.log.WithField("domain", domain).WithField("selector", rotated.Selector).Info("rotated dkim key")
	return pair(domain, rotated), nil
}

// DNSRecord is the TXT record a domain must publish for its active key
func (k *KeyStore) DNSRecord(ctx context.Context, domain string) (name string, value string, err error) {
	key, err := k.GetActiveKey(ctx, domain)
	if err != nil {
		return "", "", err
	}
	return key.RecordName(), key.Record(), nil
}

const selectorAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NextSelector is a fresh selector, dated and with a random suffix so keys made in the same second differ
func (k *KeyStore) NextSelector() string {
	return k.cfg.SelectorPrefix + time.Now().UTC().Format("20060102") + "-" + gonanoid.MustGenerate(selectorAlphabet, 8)
}

// EnsurePlatformKey makes sure the platform domain exists with an active key, it is the key
// every fallback signature is made with
func (k *KeyStore) EnsurePlatformKey(ctx context.Context) error {
	if k.cfg.PlatformDomain == "" {
		return errors.New("no platform domain configured")
	}
	_, err := k.store.GetActiveKey(ctx, k.cfg.PlatformDomain)
	if err == nil {
		return nil
	}
	if !errors.Is(err, dao.ErrNotFound) {
		return err
	}

	pemKey := k.cfg.PlatformKey
	if pemKey == "" && k.cfg.PlatformKeyFile != "" {
		b, err := os.ReadFile(k.cfg.PlatformKeyFile)
		if err != nil {
			return fmt.Errorf("could not read platform key file, %w", err)
		}
		pemKey = string(b)
	}

	var key dao.DKIMKey
	if pemKey != "" {
		priv, err := signer.ParsePEM(pemKey)
		if err != nil {
			return err
		}
		pub, err := signer.PublicKey(priv)
		if err != nil {
			return err
		}
		key = dao.DKIMKey{ID: zid.New(), Selector: k.cfg.PlatformSelector, Algorithm: signer.Algorithm,
			Bits: priv.N.BitLen(), PrivateKey: pemKey, PublicKey: pub}
	} else {
		key, err = k.NewKey(k.cfg.PlatformSelector)
		if err != nil {
			return err
		}
		k.log.WithField("domain", k.cfg.PlatformDomain).Warn("no platform key configured, generated a new one")
	}

	dom, err := k.store.GetDomain(ctx, k.cfg.PlatformDomain)
	switch {
	case errors.Is(err, dao.ErrNotFound):
		now := time.Now().UTC()
		return k.store.InsertDomain(ctx, dao.Domain{
			ID:         zid.New(),
			TenantID:   dao.PlatformTenant,
			Name:       k.cfg.PlatformDomain,
			State:      dao.DomainVerified,
			Selector:   key.Selector,
			VerifiedAt: &now,
		}, key)
	case err != nil:
		return err
	}
	key.DomainID = dom.ID
	return k.store.AddKey(ctx, key)
}

func (k *KeyStore) signerFor(ctx context.Context, domain string) (*signer.Signer, error) {
	key, err := k.store.GetActiveKey(ctx, domain)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", domain, ErrNoActiveKey)
	}
	if err != nil {
		return nil, err
	}
	if item := k.signers.Get(key.ID); item != nil {
		return item.Value(), nil
	}
	s, err := signer.New(strings.ToLower(domain), key.Selector, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	k.signers.Set(key.ID, s, ttlcache.DefaultTTL)
	return s, nil
}

type Signature struct {
	Domain   string
	Selector string
	Fallback bool
}

// Sign adds a dkim signature for domain to msg. If the domain key is missing or unusable the message
// is signed with the platform key instead, it is never sent unsigned.
func (k *KeyStore) Sign(ctx context.Context, domain string, msg []byte) ([]byte, Signature, error) {
	s, err := k.signerFor(ctx, domain)
	if err == nil {
		var out []byte
		out, err = sign(s, msg)
		if err == nil {
			return out, Signature{Domain: s.Domain(), Selector: s.Selector()}, nil
		}
	}

	reason := "corrupt-key"
	if errors.Is(err, ErrNoActiveKey) {
		reason = "missing-key"
	}
	k.fallbacks.WithLabelValues(reason).Inc()
	k.log.WithError(err).WithField("domain", domain).WithField("reason", reason).Warn("could not sign with domain key, falling back to platform key")

	if strings.EqualFold(domain, k.cfg.PlatformDomain) {
		return nil, Signature{}, fmt.Errorf("could not sign with platform key, %w", err)
	}
	s, err = k.signerFor(ctx, k.cfg.PlatformDomain)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("could not sign with platform key, %w", err)
	}
	out, err := sign(s, msg)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("could not sign with platform key, %w", err)
	}
	return out, Signature{Domain: s.Domain(), Selector: s.Selector(), Fallback: true}, nil
}

func sign(s *signer.Signer, msg []byte) ([]byte, error) {
	out := &bytes.Buffer{}
	err := s.Sign(out, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
