package posten

import "time"

type EventName string

func (p EventName) String() string {
	return string(p)
}

// EventDelivered Message has been successfully delivered to the receiving server.
const EventDelivered EventName = "delivered"

// EventDeferred Recipient's email server temporarily rejected message, it will be retried.
const EventDeferred EventName = "deferred"

// EventBounce Receiving server could not or would not accept message.
const EventBounce EventName = "bounce"

// EventFailed retries are exhausted, the message will not be sent to the recipient
const EventFailed EventName = "failed"

// EventRewritten the from address was rewritten since the tenant does not own the domain
const EventRewritten EventName = "rewritten"

// Event is what is published to the notification layer
type Event struct {
	ID        string    `json:"id"`
	Event     EventName `json:"event"`
	TenantID  string    `json:"tenant_id"`
	MessageID string    `json:"message_id"`
	JobID     string    `json:"job_id,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Info      string    `json:"info"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageStatus struct {
	MessageID    string            `json:"message_id"`
	State        string            `json:"state"`
	From         string            `json:"from"`
	OriginalFrom string            `json:"original_from"`
	Rewritten    bool              `json:"rewritten"`
	Subject      string            `json:"subject"`
	RiskScore    float64           `json:"risk_score"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Recipients   []RecipientStatus `json:"recipients"`
}

type RecipientStatus struct {
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
