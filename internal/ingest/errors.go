package ingest

import (
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"net/http"
)

// Rejection is an admission failure, it carries the reply the peer should see
type Rejection struct {
	Code         int
	EnhancedCode smtp.EnhancedCode
	Reason       string
	Err          error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%d %s, %v", r.Code, r.Reason, r.Err)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func (r *Rejection) Temporary() bool {
	return r.Code < 500
}

// SMTP is the reply sent on an smtp session
func (r *Rejection) SMTP() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         r.Code,
		EnhancedCode: r.EnhancedCode,
		Message:      r.Reason,
	}
}

// Status is the http status used by the api
func (r *Rejection) Status() int {
	switch {
	case r.EnhancedCode == smtp.EnhancedCode{4, 7, 1}:
		return http.StatusTooManyRequests
	case r.Temporary():
		return http.StatusServiceUnavailable
	case r.EnhancedCode[1] == 7:
		return http.StatusForbidden
	case r.EnhancedCode == smtp.EnhancedCode{5, 3, 4}:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func reject(code int, enhanced smtp.EnhancedCode, reason string, err error) *Rejection {
	return &Rejection{Code: code, EnhancedCode: enhanced, Reason: reason, Err: err}
}

func invalid(reason string, err error) *Rejection {
	return reject(550, smtp.EnhancedCode{5, 6, 0}, reason, err)
}

func unavailable(err error) *Rejection {
	return reject(451, smtp.EnhancedCode{4, 3, 0}, "temporary failure, try again later", err)
}

// AsRejection returns the rejection carried by err, any other error is treated as a temporary failure
func AsRejection(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return unavailable(err)
}
