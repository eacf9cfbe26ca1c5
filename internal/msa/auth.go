package msa

import (
	"errors"
	"github.com/emersion/go-sasl"
)

// loginServer is the server side of the obsolete, but still common, LOGIN mechanism
type loginServer struct {
	username     string
	authenticate func(username, password string) error
	step         int
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case 0:
		s.step++
		if response != nil {
			s.username = string(response)
			s.step++
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.step++
		s.username = string(response)
		return []byte("Password:"), false, nil
	case 2:
		s.step++
		return nil, true, s.authenticate(s.username, string(response))
	}
	return nil, true, errors.New("unexpected login response")
}
