package envelope

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/emersion/go-message/textproto"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten"
	"gopkg.in/gomail.v2"
	"io"
	"net/mail"
	"strings"
	"time"
)

// headers that are owned by the composer and can not be set by the caller
var reserved = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Message-Id", "Date", "Return-Path", "Dkim-Signature",
	"Mime-Version", "Content-Type", "Content-Transfer-Encoding", "Sender",
}

// Compose renders an api email as a MIME message
func Compose(email *posten.Email, messageID string, date time.Time) ([]byte, error) {
	if email.From.Email == "" {
		return nil, errors.New("email must have a from address")
	}
	if len(email.Subject) == 0 {
		return nil, errors.New("email must have a subject")
	}
	if len(email.HTML) == 0 && len(email.Text) == 0 {
		return nil, errors.New("email must have content, html or text must be provided")
	}

	m := gomail.NewMessage()

	for key, values := range email.Headers.Canonical() {
		if slicez.Contains(reserved, key) {
			continue
		}
		m.SetHeader(key, values...)
	}

	m.SetAddressHeader("From", email.From.Email, email.From.Name)
	format := func(a posten.Address) string { return m.FormatAddress(a.Email, a.Name) }
	to := slicez.Reject(email.To, compare.IsZero[posten.Address]())
	if len(to) > 0 {
		m.SetHeader("To", slicez.Map(to, format)...)
	}
	cc := slicez.Reject(email.Cc, compare.IsZero[posten.Address]())
	if len(cc) > 0 {
		m.SetHeader("Cc", slicez.Map(cc, format)...)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetDateHeader("Date", date)

	// text/plain goes first in the multipart/alternative, clients pick the last one they can display
	switch {
	case email.HTML != "" && email.Text != "":
		m.SetBody("text/plain", email.Text)
		m.AddAlternative("text/html", email.HTML)
	case email.HTML != "":
		m.SetBody("text/html", email.HTML)
	default:
		m.SetBody("text/plain", email.Text)
	}

	for _, att := range email.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("could not base64 decode attachment %s, %w", att.Filename, err)
		}
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {att.ContentType}}))
		}
		m.Attach(att.Filename, settings...)
	}

	buf := &bytes.Buffer{}
	_, err := m.WriteTo(buf)
	if err != nil {
		return nil, fmt.Errorf("could not write message, %w", err)
	}
	return buf.Bytes(), nil
}

// Split reads the header of a raw message, returning it together with the unread body
func Split(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("could not read message header, %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return h, body, nil
}

func Join(h textproto.Header, body []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	err := textproto.WriteHeader(buf, h)
	if err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Prepare makes a received message ready for signing. The From header is replaced when the sender
// was rewritten, keeping the original as Reply-To unless there is one, and Message-ID and Date are
// added if missing. Stale signatures and Return-Path are removed.
func Prepare(raw []byte, from *mail.Address, messageID string, date time.Time) ([]byte, error) {
	h, body, err := Split(raw)
	if err != nil {
		return nil, err
	}

	if from != nil {
		original := h.Get("From")
		h.Set("From", from.String())
		if original != "" && !h.Has("Reply-To") {
			h.Set("Reply-To", original)
		}
		h.Del("Sender")
	}
	if !h.Has("Message-Id") {
		h.Set("Message-Id", "<"+messageID+">")
	}
	if !h.Has("Date") {
		h.Set("Date", date.Format(time.RFC1123Z))
	}
	if !h.Has("Mime-Version") {
		h.Set("Mime-Version", "1.0")
	}
	h.Del("Return-Path")
	h.Del("Dkim-Signature")

	return Join(h, body)
}

// MessageID returns the Message-ID of a raw message without angle brackets
func MessageID(raw []byte) string {
	h, _, err := Split(raw)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
}
