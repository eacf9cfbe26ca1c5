package mta

import (
	"fmt"
	"github.com/modfin/posten/pkg/zid"
	"strings"
)

// ReturnPath is the envelope sender of an outgoing message, eg. bounces+<mid>=rcpt=example.com@posten.example.
// Delivery status notifications sent to it can be traced back to the message and recipient.
func ReturnPath(local, platformDomain string, mid zid.ID, rcpt string) string {
	return fmt.Sprintf("%s+%s=%s@%s", local, mid.String(), strings.Replace(rcpt, "@", "=", 1), platformDomain)
}

// ParseReturnPath is the inverse of ReturnPath, ok is false if address is not a return path
func ParseReturnPath(local string, address string) (mid zid.ID, rcpt string, ok bool) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return mid, "", false
	}
	tag, found := strings.CutPrefix(strings.ToLower(address[:at]), strings.ToLower(local)+"+")
	if !found {
		return mid, "", false
	}
	id, rest, _ := strings.Cut(tag, "=")
	mid, err := zid.FromString(id)
	if err != nil {
		return mid, "", false
	}
	if i := strings.LastIndex(rest, "="); i > 0 {
		rcpt = rest[:i] + "@" + rest[i+1:]
	}
	return mid, rcpt, true
}
