package posten

import (
	"errors"
	"fmt"
	"github.com/flashmob/go-guerrilla/mail/rfc5321"
	"net/textproto"
	"strings"
)

// Email is the structured send request accepted by the api
type Email struct {
	Headers Headers   `json:"headers"`
	From    Address   `json:"from"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc"`
	Bcc     []Address `json:"bcc"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html"`
	Text    string    `json:"text"`

	Attachments []Attachment `json:"attachments"`
}

// Recipients returns the envelope recipients, to, cc and bcc, lower cased and without duplicates
func (e *Email) Recipients() []string {
	var seen = map[string]struct{}{}
	var rcpt []string
	for _, group := range [][]Address{e.To, e.Cc, e.Bcc} {
		for _, a := range group {
			addr := strings.ToLower(strings.TrimSpace(a.Email))
			if _, ok := seen[addr]; ok || addr == "" {
				continue
			}
			seen[addr] = struct{}{}
			rcpt = append(rcpt, addr)
		}
	}
	return rcpt
}

func AddressOf(email string) Address {
	return Address{Email: email}
}

type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if len(a.Name) == 0 {
		return a.Email
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Email)
}

func (a Address) Valid() error {
	parsed, err := ParseAddress(a.Email)
	if err != nil {
		return err
	}
	if parsed.Name != "" {
		return fmt.Errorf("address %s must not contain a display name", a.Email)
	}
	return nil
}

var ErrNoAddress = errors.New("no address found")

// ParseAddress parses a single RFC 5322 address, eg. `"Jane" <jane@example.com>`
func ParseAddress(address string) (Address, error) {
	var p rfc5321.RFC5322
	list, err := p.Address([]byte(address))
	if err != nil {
		return Address{}, fmt.Errorf("could not parse address %s: %w", address, err)
	}
	if len(list.List) != 1 {
		return Address{}, fmt.Errorf("expected one address in %s, got %d: %w", address, len(list.List), ErrNoAddress)
	}
	single := list.List[0]
	if single.LocalPart == "" || single.Domain == "" {
		return Address{}, fmt.Errorf("address %s has no local part or domain: %w", address, ErrNoAddress)
	}
	return Address{
		Name:  single.DisplayName,
		Email: single.LocalPart + "@" + strings.ToLower(single.Domain),
	}, nil
}

type Attachment struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Content     string `json:"content"` // base64 encoded data
}

// Headers are extra headers added to an email, keys are canonicalized on access
type Headers map[string][]string

func (h Headers) Get(key string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func (h Headers) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func (h Headers) Set(key string, values ...string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = values
}

func (h Headers) Delete(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Canonical returns a copy with canonical header keys, as the json decoding keeps any casing
func (h Headers) Canonical() Headers {
	c := Headers{}
	for k, v := range h {
		key := textproto.CanonicalMIMEHeaderKey(k)
		c[key] = append(c[key], v...)
	}
	return c
}
