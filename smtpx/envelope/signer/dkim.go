package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/emersion/go-msgauth/dkim"
	"io"
)

const Algorithm = "rsa"
const Bits = 2048

// HeaderKeys are the headers covered by every signature
var HeaderKeys = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID", "Reply-To", "MIME-Version", "Content-Type",
}

type signOptions dkim.SignOptions

func (s *signOptions) WithSigner(signer crypto.Signer) {
	s.Signer = signer
}

func (s *signOptions) WithPEM(pemstr string) error {
	key, err := ParsePEM(pemstr)
	if err != nil {
		return err
	}
	s.WithSigner(key)
	return nil
}

func (s *signOptions) WithDomain(domain string) {
	s.Domain = domain
}
func (s *signOptions) WithSelector(selector string) {
	s.Selector = selector
}

func (s *signOptions) WithCanonicalization(header, body dkim.Canonicalization) {
	s.HeaderCanonicalization = header
	s.BodyCanonicalization = body
}

type Signer struct {
	options *signOptions
}

// New creates a relaxed/relaxed rsa-sha256 signer for domain from a PKCS1 pem key
func New(domain, selector, pemKey string) (*Signer, error) {
	if domain == "" {
		return nil, fmt.Errorf("dkim: no domain specified")
	}
	if selector == "" {
		return nil, fmt.Errorf("dkim: no selector specified")
	}

	options := &signOptions{
		HeaderKeys: HeaderKeys,
		Hash:       crypto.SHA256,
	}
	options.WithDomain(domain)
	options.WithSelector(selector)
	options.WithCanonicalization(dkim.CanonicalizationRelaxed, dkim.CanonicalizationRelaxed)
	err := options.WithPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("could not create signer for %s: %w", domain, err)
	}
	return &Signer{options: options}, nil
}

func (s *Signer) Domain() string {
	return s.options.Domain
}

func (s *Signer) Selector() string {
	return s.options.Selector
}

func (s *Signer) Sign(out io.Writer, in io.Reader) error {
	return dkim.Sign(out, in, (*dkim.SignOptions)(s.options))
}

func ParsePEM(pemstr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemstr))
	if block == nil {
		return nil, fmt.Errorf("could not decode pem, got nil")
	}
	if block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("invalid pem type, expected: RSA PRIVATE KEY, got: %s", block.Type)
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return privateKey, nil
}

// GenerateKey creates a rsa key, returned as PKCS1 pem and as the base64 encoded public key of a dkim record
func GenerateKey(bits int) (privatePEM string, publicKey string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("could not generate key, %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	publicKey, err = PublicKey(key)
	return privatePEM, publicKey, err
}

func PublicKey(key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", errors.New("no key")
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("could not marshal public key, %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Record is the TXT record published at <selector>._domainkey.<domain>
func Record(publicKey string) string {
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", Algorithm, publicKey)
}
