package tools

import (
	"crypto/tls"
	"errors"
	"golang.org/x/crypto/acme/autocert"
)

type TLSConfig struct {
	CertFile      string   `env:"CERT_FILE"`
	KeyFile       string   `env:"KEY_FILE"`
	AutocertHosts []string `env:"AUTOCERT_HOSTS" envSeparator:","`
	AutocertDir   string   `env:"AUTOCERT_DIR" envDefault:"./certs"`
	AutocertEmail string   `env:"AUTOCERT_EMAIL"`
}

// Load returns nil when neither a key pair nor autocert hosts are configured. The manager is non nil
// when certificates are fetched from lets encrypt, it must then also answer http-01 challenges.
func (c TLSConfig) Load() (*tls.Config, *autocert.Manager, error) {
	switch {
	case c.CertFile != "" || c.KeyFile != "":
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, nil, errors.New("both cert and key file must be set")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil, nil
	case len(c.AutocertHosts) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.AutocertHosts...),
			Cache:      autocert.DirCache(c.AutocertDir),
			Email:      c.AutocertEmail,
		}
		return m.TLSConfig(), m, nil
	}
	return nil, nil, nil
}
