package dnsx

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Mock is a static resolver, names missing from its maps does not exist
type Mock struct {
	MXs  map[string][]MX
	TXTs map[string][]string
	As   map[string][]net.IP
	Errs map[string]error
}

func NewMock() *Mock {
	return &Mock{
		MXs:  map[string][]MX{},
		TXTs: map[string][]string{},
		As:   map[string][]net.IP{},
		Errs: map[string]error{},
	}
}

func (m *Mock) MX(ctx context.Context, domain string) ([]MX, error) {
	domain = strings.ToLower(domain)
	if err := m.Errs[domain]; err != nil {
		return nil, err
	}
	mxs, ok := m.MXs[domain]
	if !ok {
		return nil, fmt.Errorf("%s: %w", domain, ErrNXDomain)
	}
	return mxs, nil
}

func (m *Mock) TXT(ctx context.Context, name string) ([]string, error) {
	name = strings.ToLower(name)
	if err := m.Errs[name]; err != nil {
		return nil, err
	}
	return m.TXTs[name], nil
}

func (m *Mock) A(ctx context.Context, name string) ([]net.IP, error) {
	name = strings.ToLower(name)
	if err := m.Errs[name]; err != nil {
		return nil, err
	}
	return m.As[name], nil
}
