package web

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/emersion/go-smtp"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/ingest"
	"github.com/modfin/posten/internal/tenant"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type testAuth struct{}

func (testAuth) Authenticate(ctx context.Context, kind dao.CredentialKind, id, secret string) (tenant.Principal, error) {
	if kind == dao.CredentialAPI && id == "key-a" && secret == "secret" {
		return tenant.Principal{TenantID: "A", CredentialID: id, Kind: kind}, nil
	}
	return tenant.Principal{}, tenant.ErrUnauthorized
}

type testIngest struct {
	subs []ingest.Submission
	err  error
}

func (i *testIngest) Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error) {
	if i.err != nil {
		return ingest.Receipt{}, i.err
	}
	i.subs = append(i.subs, sub)
	return ingest.Receipt{
		MessageID:  zid.New(),
		From:       "noreply+tenantA@posten.test",
		Rewritten:  true,
		Recipients: sub.Recipients,
		Jobs:       []zid.ID{zid.New()},
	}, nil
}

type testStore struct {
	messages map[zid.ID]dao.Message
	rcpts    map[zid.ID][]dao.Recipient
	pingErr  error
}

func (s *testStore) GetTenantMessage(ctx context.Context, tenantID string, id zid.ID) (dao.Message, error) {
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return dao.Message{}, dao.ErrNotFound
	}
	return m, nil
}

func (s *testStore) GetRecipients(ctx context.Context, mid zid.ID) ([]dao.Recipient, error) {
	return s.rcpts[mid], nil
}

func (s *testStore) Ping(ctx context.Context) error {
	return s.pingErr
}

type testRecords struct{}

func (testRecords) DNSRecord(ctx context.Context, domain string) (string, string, error) {
	if domain != "b.example" {
		return "", "", dao.ErrNotFound
	}
	return "s1._domainkey.b.example", "v=DKIM1; k=rsa; p=AAAA", nil
}

type fixture struct {
	srv    *Server
	ingest *testIngest
	store  *testStore
}

func newFixture() *fixture {
	f := &fixture{
		ingest: &testIngest{},
		store:  &testStore{messages: map[zid.ID]dao.Message{}, rcpts: map[zid.ID][]dao.Recipient{}},
	}
	f.srv = New(Config{Hostname: "api.posten.test"}, testAuth{}, f.ingest, f.store, testRecords{}, tools.DiscardLogger(), nil)
	f.srv.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

const body = `{
	"from": {"name": "Bee", "email": "x@b.example"},
	"to": [{"email": "r@c.example"}],
	"bcc": [{"email": "hidden@c.example"}],
	"subject": "hi",
	"text": "hello"
}`

func send(key string, basic bool, payload string) *http.Request {
	target := "/mta"
	if !basic && key != "" {
		target += "?key=" + key
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if basic {
		id, secret, _ := strings.Cut(key, ":")
		req.SetBasicAuth(id, secret)
	}
	return req
}

func TestMTA(t *testing.T) {
	for _, basic := range []bool{true, false} {
		f := newFixture()
		rec := f.do(send("key-a:secret", basic, body))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var r posten.Receipt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
		assert.True(t, r.Rewritten)
		assert.Len(t, r.Jobs, 1)

		require.Len(t, f.ingest.subs, 1)
		sub := f.ingest.subs[0]
		assert.Equal(t, dao.SourceAPI, sub.Source)
		assert.Equal(t, "A", sub.Conn.TenantID)
		assert.True(t, sub.Conn.Authenticated)
		assert.Equal(t, "x@b.example", sub.EnvelopeFrom)
		assert.Equal(t, []string{"r@c.example", "hidden@c.example"}, sub.Recipients)
		assert.Contains(t, string(sub.Raw), "Subject: hi")
		assert.Contains(t, string(sub.Raw), "@api.posten.test>")
		assert.NotContains(t, string(sub.Raw), "hidden@c.example")
	}
}

func TestMTAAuthentication(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusUnauthorized, f.do(send("", false, body)).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(send("key-a:wrong", true, body)).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(send("key-a:wrong", false, body)).Code)
	assert.Empty(t, f.ingest.subs)
}

func TestMTAValidation(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"no subject":    `{"from": {"email": "x@b.example"}, "to": [{"email": "r@c.example"}], "text": "hello"}`,
		"no content":    `{"from": {"email": "x@b.example"}, "to": [{"email": "r@c.example"}], "subject": "hi"}`,
		"no recipients": `{"from": {"email": "x@b.example"}, "subject": "hi", "text": "hello"}`,
		"bad recipient": `{"from": {"email": "x@b.example"}, "to": [{"email": "nope"}], "subject": "hi", "text": "hello"}`,
		"bad from":      `{"from": {"email": "x"}, "to": [{"email": "r@c.example"}], "subject": "hi", "text": "hello"}`,
		"missing from":  `{"to": [{"email": "r@c.example"}], "subject": "hi", "text": "hello"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			rec := f.do(send("key-a:secret", true, payload))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.ingest.subs)
		})
	}
}

func TestMTARejections(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: &ingest.Rejection{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Reason: "rate limited"}, status: http.StatusTooManyRequests},
		{err: &ingest.Rejection{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Reason: "content score 9.0"}, status: http.StatusForbidden},
		{err: errors.New("database is locked"), status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		f := newFixture()
		f.ingest.err = tc.err
		rec := f.do(send("key-a:secret", true, body))
		assert.Equal(t, tc.status, rec.Code)

		var apiErr posten.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
		assert.NotEmpty(t, apiErr.Message)
	}
}

func TestMessageStatus(t *testing.T) {
	f := newFixture()
	id := zid.New()
	f.store.messages[id] = dao.Message{ID: id, TenantID: "A", State: dao.MessageBounced, HeaderFrom: "x@a.example", Subject: "hi"}
	f.store.rcpts[id] = []dao.Recipient{
		{MessageID: id, Recipient: "r@c.example", Status: dao.RecipientDelivered, Attempts: 1},
		{MessageID: id, Recipient: "s@c.example", Status: dao.RecipientBounced, Attempts: 1, LastError: "550 5.1.1 user unknown"},
	}
	other := zid.New()
	f.store.messages[other] = dao.Message{ID: other, TenantID: "B"}

	req := httptest.NewRequest(http.MethodGet, "/messages/"+id.String(), nil)
	req.SetBasicAuth("key-a", "secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var s posten.MessageStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "bounced", s.State)
	require.Len(t, s.Recipients, 2)
	assert.Equal(t, "550 5.1.1 user unknown", s.Recipients[1].LastError)

	for _, path := range []string{"/messages/" + other.String(), "/messages/nope"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.SetBasicAuth("key-a", "secret")
		assert.Equal(t, http.StatusNotFound, f.do(req).Code, path)
	}
}

func TestDKIMRecord(t *testing.T) {
	f := newFixture()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/dkim/b.example", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var r dnsRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, dnsRecord{Name: "s1._domainkey.b.example", Type: "TXT", Value: "v=DKIM1; k=rsa; p=AAAA"}, r)

	assert.Equal(t, http.StatusNotFound, f.do(httptest.NewRequest(http.MethodGet, "/dkim/c.example", nil)).Code)
}

func TestPing(t *testing.T) {
	f := newFixture()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	f.store.pingErr = errors.New("closed")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)
}
