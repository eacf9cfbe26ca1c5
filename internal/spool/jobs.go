package spool

import (
	"encoding/json"
	"fmt"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/pkg/zid"
)

type JobType string

const (
	// DeliverMessage transfers a message to one recipient
	DeliverMessage JobType = "deliver-message"
	// WebhookEvent hands an event to the notification layer
	WebhookEvent JobType = "webhook-event"
	// InboundMail is mail received for a tenant domain, consumed outside of posten
	InboundMail JobType = "inbound-mail"
)

// Payload is the closed set of job variants
type Payload interface {
	Type() JobType
	isPayload()
}

type Delivery struct {
	MessageID zid.ID `json:"mid"`
	Recipient string `json:"rcpt"`
}

func (Delivery) Type() JobType { return DeliverMessage }
func (Delivery) isPayload()    {}

type Webhook struct {
	EventID   zid.ID `json:"eid"`
	Event     string `json:"event"`
	MessageID string `json:"mid"`
	Recipient string `json:"rcpt,omitempty"`
	Info      string `json:"info,omitempty"`
}

func (Webhook) Type() JobType { return WebhookEvent }
func (Webhook) isPayload()    {}

type Inbound struct {
	MessageID zid.ID `json:"mid"`
	Recipient string `json:"rcpt"`
}

func (Inbound) Type() JobType { return InboundMail }
func (Inbound) isPayload()    {}

// Job is a claimed job together with its decoded payload
type Job struct {
	dao.Job
	Payload Payload
}

func encode(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("could not encode %s payload, %w", p.Type(), err)
	}
	return string(b), nil
}

// Decode parses the payload of a stored job according to its job type
func Decode(j dao.Job) (Payload, error) {
	var p Payload
	var err error
	switch JobType(j.JobType) {
	case DeliverMessage:
		var d Delivery
		err = json.Unmarshal([]byte(j.Payload), &d)
		p = d
	case WebhookEvent:
		var w Webhook
		err = json.Unmarshal([]byte(j.Payload), &w)
		p = w
	case InboundMail:
		var i Inbound
		err = json.Unmarshal([]byte(j.Payload), &i)
		p = i
	default:
		return nil, fmt.Errorf("unknown job type %q", j.JobType)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %s payload of job %s, %w", j.JobType, j.ID, err)
	}
	return p, nil
}

// subject is the message and recipient a job concerns, used for failure events
func subject(p Payload) (messageID string, recipient string) {
	switch v := p.(type) {
	case Delivery:
		return v.MessageID.String(), v.Recipient
	case Inbound:
		return v.MessageID.String(), v.Recipient
	case Webhook:
		return v.MessageID, v.Recipient
	}
	return "", ""
}
