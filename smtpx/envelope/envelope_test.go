package envelope

import (
	"bytes"
	"encoding/base64"
	"github.com/emersion/go-message"
	"github.com/modfin/posten"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestCompose(t *testing.T) {
	e := &posten.Email{
		Headers: posten.Headers{"x-campaign": {"spring"}, "bcc": {"leak@example.com"}},
		From:    posten.Address{Name: "Sender", Email: "x@b.example"},
		To:      []posten.Address{{Email: "r@c.example"}, {}},
		Bcc:     []posten.Address{{Email: "hidden@c.example"}},
		Subject: "Hello",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
		Attachments: []posten.Attachment{{
			Filename: "a.txt", ContentType: "text/plain", Content: base64.StdEncoding.EncodeToString([]byte("attached")),
		}},
	}
	raw, err := Compose(e, "abc@mx.posten.test", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	m, err := message.Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hello", m.Header.Get("Subject"))
	assert.Equal(t, "<abc@mx.posten.test>", m.Header.Get("Message-Id"))
	assert.Equal(t, "spring", m.Header.Get("X-Campaign"))
	assert.Equal(t, "", m.Header.Get("Bcc"))
	assert.Contains(t, m.Header.Get("From"), "x@b.example")
	assert.Equal(t, "r@c.example", m.Header.Get("To"))
	assert.False(t, strings.Contains(string(raw), "hidden@c.example"))

	mediaType, _, err := m.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)
}

func TestComposeValidation(t *testing.T) {
	_, err := Compose(&posten.Email{From: posten.AddressOf("x@b.example"), Text: "a"}, "id@h", time.Now())
	assert.Error(t, err)
	_, err = Compose(&posten.Email{From: posten.AddressOf("x@b.example"), Subject: "s"}, "id@h", time.Now())
	assert.Error(t, err)
	_, err = Compose(&posten.Email{Subject: "s", Text: "a"}, "id@h", time.Now())
	assert.Error(t, err)
}

func TestPrepareRewritesFrom(t *testing.T) {
	raw := []byte("From: x@a.example\r\nSubject: hi\r\nDKIM-Signature: stale\r\n\r\nbody\r\n")
	out, err := Prepare(raw, &mail.Address{Address: "noreply+tenanta@posten.test"}, "id@posten.test", time.Now())
	require.NoError(t, err)

	h, body, err := Split(out)
	require.NoError(t, err)
	assert.Equal(t, "<noreply+tenanta@posten.test>", h.Get("From"))
	assert.Equal(t, "x@a.example", h.Get("Reply-To"))
	assert.Equal(t, "<id@posten.test>", h.Get("Message-Id"))
	assert.NotEmpty(t, h.Get("Date"))
	assert.False(t, h.Has("Dkim-Signature"))
	assert.Equal(t, "body\r\n", string(body))
	assert.Equal(t, "id@posten.test", MessageID(out))
}

func TestPrepareKeepsExisting(t *testing.T) {
	raw := []byte("From: x@b.example\r\nMessage-ID: <orig@b.example>\r\nReply-To: r@b.example\r\n\r\nbody")
	out, err := Prepare(raw, nil, "id@posten.test", time.Now())
	require.NoError(t, err)
	h, body, err := Split(out)
	require.NoError(t, err)
	assert.Equal(t, "x@b.example", h.Get("From"))
	assert.Equal(t, "r@b.example", h.Get("Reply-To"))
	assert.Equal(t, "<orig@b.example>", h.Get("Message-Id"))
	b, _ := io.ReadAll(bytes.NewReader(body))
	assert.Equal(t, "body", string(b))
}
