package msa

import (
	"bufio"
	"bytes"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"io"
	"strings"
)

// diagnostic returns a one line description of a delivery status notification,
// preferably the Diagnostic-Code of its message/delivery-status part
func diagnostic(raw []byte) string {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "unparsable delivery status notification"
	}
	subject := e.Header.Get("Subject")

	mr := e.MultipartReader()
	if mr == nil {
		return compact(subject)
	}
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		t, _, _ := p.Header.ContentType()
		if t != "message/delivery-status" {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(p.Body, 64<<10))
		if err != nil {
			break
		}
		if d := statusField(body, "diagnostic-code"); d != "" {
			return compact(d)
		}
		if d := statusField(body, "status"); d != "" {
			return compact("status " + d)
		}
	}
	return compact(subject)
}

func statusField(body []byte, name string) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func compact(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 512 {
		s = s[:512]
	}
	if s == "" {
		return "bounce received"
	}
	return s
}
