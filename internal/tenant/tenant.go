package tenant

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"strings"
)

var ErrUnauthorized = errors.New("invalid credentials")

type Store interface {
	InsertTenant(ctx context.Context, t dao.Tenant) error
	GetTenant(ctx context.Context, id string) (dao.Tenant, error)
	InsertCredential(ctx context.Context, c dao.Credential) error
	GetCredential(ctx context.Context, id string) (dao.Credential, error)
	RevokeCredential(ctx context.Context, id string) error
}

// Principal is an authenticated tenant
type Principal struct {
	TenantID     string
	CredentialID string
	Kind         dao.CredentialKind
}

type Service struct {
	store Store
	cost  int
	log   *logrus.Logger
}

func New(store Store, lc *tools.Logger) *Service {
	return &Service{
		store: store,
		cost:  bcrypt.DefaultCost,
		log:   lc.New("tenant"),
	}
}

func (s *Service) Create(ctx context.Context, id, name string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "|@ ") {
		return fmt.Errorf("invalid tenant id %q", id)
	}
	return s.store.InsertTenant(ctx, dao.Tenant{ID: id, Name: name})
}

// Issue creates a new credential for the tenant. The secret is only returned here, only its hash is kept.
func (s *Service) Issue(ctx context.Context, tenantID string, kind dao.CredentialKind) (id string, secret string, err error) {
	if kind != dao.CredentialAPI && kind != dao.CredentialSMTP {
		return "", "", fmt.Errorf("unknown credential kind %q", kind)
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return "", "", fmt.Errorf("tenant %s, %w", tenantID, err)
	}

	id = uuid.NewString()
	secret = tools.RandStringRunes(40)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", "", err
	}
	err = s.store.InsertCredential(ctx, dao.Credential{ID: id, TenantID: tenantID, Kind: kind, SecretHash: string(hash)})
	if err != nil {
		return "", "", err
	}
	s.log.WithField("tenant", tenantID).WithField("credential", id).WithField("kind", kind).Info("credential issued")
	return id, secret, nil
}

func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.store.RevokeCredential(ctx, id)
}

// Authenticate checks id and secret of a credential of the given kind
func (s *Service) Authenticate(ctx context.Context, kind dao.CredentialKind, id, secret string) (Principal, error) {
	c, err := s.store.GetCredential(ctx, id)
	if errors.Is(err, dao.ErrNotFound) {
		s.log.WithField("credential", id).WithField("reason", "unknown-credential").Info("authentication failed")
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, err
	}
	if c.Kind != kind {
		s.log.WithField("credential", id).WithField("tenant", c.TenantID).WithField("reason", "wrong-kind").Info("authentication failed")
		return Principal{}, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		s.log.WithField("credential", id).WithField("tenant", c.TenantID).WithField("reason", "wrong-secret").Info("authentication failed")
		return Principal{}, ErrUnauthorized
	}
	return Principal{TenantID: c.TenantID, CredentialID: c.ID, Kind: c.Kind}, nil
}
