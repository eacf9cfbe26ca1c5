package smtpx

import (
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"github.com/rs/xid"
	"os"
)

// GenerateId creates a Message-ID local part and domain, eg. cjld2cjxh0000qzrmn831i7rn@mx.posten.example
func GenerateId(hostname string) string {
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
	}
	return fmt.Sprintf("%s@%s", xid.New().String(), hostname)
}

// Code returns the smtp reply code carried by err, 0 if err is not a protocol reply
func Code(err error) int {
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return 0
}

func IsTemporary(err error) bool {
	code := Code(err)
	return 400 <= code && code < 500
}

func IsPermanent(err error) bool {
	code := Code(err)
	return 500 <= code && code < 600
}

// Reply is the text of a protocol reply, or the error itself
func Reply(err error) string {
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return serr.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
