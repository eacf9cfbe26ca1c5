package gate

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"unicode"
)

const maxPartScan = 1 << 20

var spamPhrases = []string{
	"act now", "limited time offer", "you have been selected", "winner", "claim your prize",
	"100% free", "risk-free", "no credit check", "wire transfer", "crypto giveaway",
}

var phishingPhrases = []string{
	"verify your account", "confirm your password", "your account has been suspended",
	"unusual sign-in activity", "update your payment details",
}

var executableExt = []string{
	".exe", ".scr", ".com", ".pif", ".bat", ".cmd", ".vbs", ".vbe", ".js", ".jse", ".jar",
	".msi", ".ps1", ".hta", ".cpl", ".lnk", ".wsf", ".iso",
}

// Finding is one rule that matched, with the weight it added
type Finding struct {
	Rule   string
	Weight float64
}

// Score is a rule based risk score of a message, higher is worse
func Score(raw []byte) (float64, []Finding) {
	var findings []Finding
	add := func(rule string, weight float64) {
		findings = append(findings, Finding{Rule: rule, Weight: weight})
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		add("unparsable", 2)
		return total(findings), findings
	}

	subject, _ := mr.Header.Subject()
	if shouting(subject) {
		add("all-caps-subject", 1.5)
	}

	var text strings.Builder
	text.WriteString(strings.ToLower(subject))
	text.WriteString("\n")

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			add("malformed-mime", 1)
			break
		}

		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			for _, f := range attachmentFindings(name) {
				add(f.Rule, f.Weight)
			}
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(io.LimitReader(p.Body, maxPartScan))
			switch {
			case ct == "text/html":
				for _, f := range linkFindings(body) {
					add(f.Rule, f.Weight)
				}
				text.Write(bytes.ToLower(body))
			case strings.HasPrefix(ct, "text/") || ct == "":
				text.Write(bytes.ToLower(body))
			}
		}
	}

	content := text.String()
	var spam int
	for _, phrase := range spamPhrases {
		if strings.Contains(content, phrase) {
			spam++
		}
	}
	if spam > 0 {
		add(fmt.Sprintf("spam-phrases-%d", spam), float64(min(spam, 3)))
	}
	for _, phrase := range phishingPhrases {
		if strings.Contains(content, phrase) {
			add("phishing-phrase", 2)
			break
		}
	}

	return total(findings), findings
}

func total(findings []Finding) float64 {
	var s float64
	for _, f := range findings {
		s += f.Weight
	}
	return s
}

func shouting(subject string) bool {
	var letters, upper int
	for _, r := range subject {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper == letters
}

func attachmentFindings(name string) []Finding {
	lower := strings.ToLower(strings.TrimSpace(name))
	ext := path.Ext(lower)
	var fs []Finding
	for _, e := range executableExt {
		if ext == e {
			fs = append(fs, Finding{Rule: "executable-attachment", Weight: 10})
			break
		}
	}
	inner := path.Ext(strings.TrimSuffix(lower, ext))
	if ext != "" && inner != "" && inner != ext && len(fs) > 0 {
		fs = append(fs, Finding{Rule: "double-extension", Weight: 2})
	}
	return fs
}

// linkFindings looks for links to raw ip addresses and links whose visible text is a url to another host
func linkFindings(body []byte) []Finding {
	var fs []Finding
	var ipLink, mismatch bool

	z := html.NewTokenizer(bytes.NewReader(body))
	var href string
	var inLink bool
	var linkText strings.Builder
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if ipLink {
				fs = append(fs, Finding{Rule: "ip-address-link", Weight: 2.5})
			}
			if mismatch {
				fs = append(fs, Finding{Rule: "link-text-mismatch", Weight: 3})
			}
			return fs
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			href = ""
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href = string(val)
				}
				if !more {
					break
				}
			}
			inLink = true
			linkText.Reset()
			if host := hostOf(href); host != "" && net.ParseIP(host) != nil {
				ipLink = true
			}
		case html.TextToken:
			if inLink {
				linkText.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) != "a" || !inLink {
				continue
			}
			inLink = false
			shown := hostOf(strings.TrimSpace(linkText.String()))
			actual := hostOf(href)
			if shown != "" && actual != "" && !sameSite(shown, actual) {
				mismatch = true
			}
		}
	}
}

func hostOf(s string) string {
	if !strings.Contains(s, "://") {
		if !strings.HasPrefix(strings.ToLower(s), "www.") {
			return ""
		}
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(a, "www.")
	b = strings.TrimPrefix(b, "www.")
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
