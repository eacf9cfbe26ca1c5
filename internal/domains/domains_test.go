package domains

import (
	"context"
	"errors"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/dnsx"
	"github.com/modfin/posten/internal/keystore"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"strings"
	"testing"
)

type fixture struct {
	db  *dao.DB
	dns *dnsx.Mock
	reg *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := dao.New(dao.Config{URI: filepath.Join(t.TempDir(), "domains.sqlite")}, tools.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InsertTenant(ctx, dao.Tenant{ID: "A", Name: "A"}))
	require.NoError(t, db.InsertTenant(ctx, dao.Tenant{ID: "B", Name: "B"}))

	ks := keystore.New(keystore.Config{PlatformDomain: "posten.test", Bits: 1024}, db, tools.DiscardLogger(), nil)
	t.Cleanup(func() { _ = ks.Stop(context.Background()) })

	dns := dnsx.NewMock()
	return &fixture{
		db:  db,
		dns: dns,
		reg: New(Config{}, db, ks, dns, tools.DiscardLogger()),
	}
}

func (f *fixture) publish(c Claim) {
	f.dns.TXTs[c.VerifyName] = []string{"v=spf1 -all", c.VerifyRecord}
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Claim(ctx, "A", " A.Example. ")
	require.NoError(t, err)
	assert.Equal(t, "a.example", c.Domain)
	assert.Equal(t, string(dao.DomainPending), c.State)
	assert.Equal(t, "_posten-verification.a.example", c.VerifyName)
	assert.True(t, strings.HasPrefix(c.VerifyRecord, "posten-verification="))
	assert.True(t, strings.HasSuffix(c.DKIMName, "._domainkey.a.example"))
	assert.True(t, strings.HasPrefix(c.DKIMRecord, "v=DKIM1; k=rsa; p="))

	dom, err := f.db.GetDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "A", dom.TenantID)
	assert.Len(t, dom.Token, 32)

	again, err := f.reg.Get(ctx, "A", "a.example")
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestClaimIsUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Claim(ctx, "A", "a.example")
	require.NoError(t, err)

	_, err = f.reg.Claim(ctx, "B", "a.example")
	assert.ErrorIs(t, err, dao.ErrDomainTaken)

	_, err = f.reg.Get(ctx, "B", "a.example")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.reg.Verify(ctx, "B", "a.example")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestClaimRejectsInvalidNames(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"", "localhost", "a..example", "-a.example", "a_b.example", "x@a.example"} {
		_, err := f.reg.Claim(context.Background(), "A", name)
		assert.Error(t, err, name)
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Claim(ctx, "A", "a.example")
	require.NoError(t, err)

	state, err := f.reg.Verify(ctx, "A", "a.example")
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.Equal(t, dao.DomainPending, state)

	f.publish(c)
	state, err = f.reg.Verify(ctx, "A", "a.example")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainVerified, state)

	dom, err := f.db.GetDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainVerified, dom.State)
	assert.NotNil(t, dom.VerifiedAt)
}

func TestVerifyFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Claim(ctx, "A", "a.example")
	require.NoError(t, err)
	f.publish(c)
	_, err = f.reg.Verify(ctx, "A", "a.example")
	require.NoError(t, err)

	lookup := errors.New("servfail")
	f.dns.Errs[c.VerifyName] = lookup
	state, err := f.reg.Verify(ctx, "A", "a.example")
	assert.ErrorIs(t, err, lookup)
	assert.Equal(t, dao.DomainPending, state)

	dom, err := f.db.GetDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, dao.DomainPending, dom.State)
	assert.Nil(t, dom.VerifiedAt)
}

func TestReverify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.reg.Claim(ctx, "A", "a.example")
	require.NoError(t, err)
	b, err := f.reg.Claim(ctx, "B", "b.example")
	require.NoError(t, err)
	f.publish(a)
	f.publish(b)
	for _, c := range []struct{ tenant, name string }{{"A", "a.example"}, {"B", "b.example"}} {
		_, err = f.reg.Verify(ctx, c.tenant, c.name)
		require.NoError(t, err)
	}

	delete(f.dns.TXTs, b.VerifyName)
	require.NoError(t, f.reg.Reverify(ctx))

	verified, err := f.db.VerifiedDomainNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, verified, "a.example")
	assert.NotContains(t, verified, "b.example")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.reg.cfg.VerifySchedule = "every now and then"
	assert.Error(t, f.reg.Start())
}
