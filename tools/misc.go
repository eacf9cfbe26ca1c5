package tools

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/user"
	"strings"
)

var ErrNoDomain = errors.New("no domain was present in email address")

func SystemUri() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	username := "unknown"
	u, err := user.Current()
	if err == nil {
		username = u.Username
	}
	return fmt.Sprintf("%s@%s", username, hostname), nil
}

// TrimPath removes surrounding whitespace and angle brackets of an smtp path, eg. <a@b.c>
func TrimPath(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	return address
}

// DomainOfEmail returns the lower cased domain part of an address
func DomainOfEmail(address string) (string, error) {
	address = TrimPath(address)
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return "", ErrNoDomain
	}
	domain := strings.TrimSuffix(strings.ToLower(address[idx+1:]), ".")
	if len(domain) == 0 {
		return "", ErrNoDomain
	}
	return domain, nil
}

// LocalOfEmail returns the local part of an address, ie. everything before the last @
func LocalOfEmail(address string) (string, error) {
	address = TrimPath(address)
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", ErrNoDomain
	}
	return strings.Join(parts[:len(parts)-1], "@"), nil
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")

func RandStringRunes(n int) string {
	b := make([]rune, n)
	max := big.NewInt(int64(len(letterRunes)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Errorf("could not read random: %w", err))
		}
		b[i] = letterRunes[idx.Int64()]
	}
	return string(b)
}
