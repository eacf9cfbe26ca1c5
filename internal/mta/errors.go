package mta

import (
	"errors"
	"github.com/modfin/henry/slicez"
)

var ErrPermanent = errors.New("a 5xx code, the recipient will not be retried")

// Recoverable errors
var ErrNoAvailableConnections = errors.New("no free available connections to mx server")
var Err4xx = errors.New("a 4xx code, may be gray listing")
var ErrCouldNotConnect = errors.New("could not establish a connection to the server")
var ErrDNS = errors.New("could not resolve mx of recipient domain")

var recoverableErrors = []error{
	ErrCouldNotConnect,
	ErrNoAvailableConnections,
	Err4xx,
	ErrDNS,
}

func IsRecoverable(err error) bool {
	return slicez.ContainsBy(recoverableErrors, func(e error) bool {
		return errors.Is(err, e)
	})
}
