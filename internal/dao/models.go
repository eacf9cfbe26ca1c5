package dao

import (
	"fmt"
	"github.com/modfin/posten/pkg/zid"
	"strings"
	"time"
)

const PlatformTenant = "platform"

type Tenant struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type CredentialKind string

const CredentialAPI CredentialKind = "api"
const CredentialSMTP CredentialKind = "smtp"

type Credential struct {
	ID         string         `db:"id"`
	TenantID   string         `db:"tenant_id"`
	Kind       CredentialKind `db:"kind"`
	SecretHash string         `db:"secret_hash"`
	CreatedAt  time.Time      `db:"created_at"`
	RevokedAt  *time.Time     `db:"revoked_at"`
}

type DomainState string

const DomainPending DomainState = "pending"
const DomainVerified DomainState = "verified"

type Domain struct {
	ID         zid.ID      `db:"id"`
	TenantID   string      `db:"tenant_id"`
	Name       string      `db:"name"`
	State      DomainState `db:"state"`
	Token      string      `db:"token"`
	Selector   string      `db:"selector"`
	CreatedAt  time.Time   `db:"created_at"`
	VerifiedAt *time.Time  `db:"verified_at"`
}

type DKIMKey struct {
	ID         zid.ID    `db:"id"`
	DomainID   zid.ID    `db:"domain_id"`
	Selector   string    `db:"selector"`
	Algorithm  string    `db:"algorithm"`
	Bits       int       `db:"bits"`
	PrivateKey string    `db:"private_key"` // PEM, PKCS1
	PublicKey  string    `db:"public_key"`  // base64 DER, as published in DNS
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}

type Source string

const SourceAPI Source = "api"
const SourceSubmission Source = "submission"
const SourceInbound Source = "inbound"

type MessageState string

const (
	MessageReceived   MessageState = "received"
	MessageValidated  MessageState = "validated"
	MessageQueued     MessageState = "queued"
	MessageSigning    MessageState = "signing"
	MessageDelivering MessageState = "delivering"
	MessageDelivered  MessageState = "delivered"
	MessageBounced    MessageState = "bounced"
	MessageFailed     MessageState = "failed"
)

var transitions = map[MessageState][]MessageState{
	MessageReceived:   {MessageValidated},
	MessageValidated:  {MessageQueued},
	MessageQueued:     {MessageSigning, MessageFailed},
	MessageSigning:    {MessageDelivering, MessageFailed},
	MessageDelivering: {MessageDelivered, MessageBounced, MessageFailed},
	MessageDelivered:  {MessageBounced}, // late DSN
}

func CanTransition(from, to MessageState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s MessageState) Terminal() bool {
	return s == MessageDelivered || s == MessageBounced || s == MessageFailed
}

type Message struct {
	ID           zid.ID       `db:"id"`
	TenantID     string       `db:"tenant_id"`
	Source       Source       `db:"source"`
	EnvelopeFrom string       `db:"envelope_from"`
	HeaderFrom   string       `db:"header_from"`
	OriginalFrom string       `db:"original_from"`
	DKIMDomain   string       `db:"dkim_domain"`
	Rewritten    bool         `db:"rewritten"`
	Subject      string       `db:"subject"`
	Size         int          `db:"size"`
	RiskScore    float64      `db:"risk_score"`
	State        MessageState `db:"state"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// Transition moves a message not yet persisted along the lifecycle
func (m *Message) Transition(to MessageState) error {
	if !CanTransition(m.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, to)
	}
	m.State = to
	return nil
}

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientDeferred  RecipientStatus = "deferred"
	RecipientBounced   RecipientStatus = "bounced"
	RecipientFailed    RecipientStatus = "failed"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientDelivered || s == RecipientBounced || s == RecipientFailed
}

type Recipient struct {
	MessageID zid.ID          `db:"message_id"`
	Recipient string          `db:"recipient"`
	Status    RecipientStatus `db:"status"`
	Attempts  int             `db:"attempts"`
	LastError string          `db:"last_error"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// AggregateState derives the terminal state of a message from its recipients.
// ok is false as long as any recipient is still in flight.
func AggregateState(rcpts []Recipient) (state MessageState, ok bool) {
	var bounced, failed bool
	for _, r := range rcpts {
		switch r.Status {
		case RecipientDelivered:
		case RecipientBounced:
			bounced = true
		case RecipientFailed:
			failed = true
		default:
			return "", false
		}
	}
	switch {
	case failed:
		return MessageFailed, true
	case bounced:
		return MessageBounced, true
	}
	return MessageDelivered, true
}

type Outcome string

const OutcomeSuccess Outcome = "success"
const OutcomeTemporary Outcome = "temporary-failure"
const OutcomePermanent Outcome = "permanent-failure"

type DeliveryAttempt struct {
	ID        zid.ID    `db:"id"`
	MessageID zid.ID    `db:"message_id"`
	Recipient string    `db:"recipient"`
	MX        string    `db:"mx"`
	Attempt   int       `db:"attempt"`
	Outcome   Outcome   `db:"outcome"`
	Code      int       `db:"code"`
	Response  string    `db:"response"`
	CreatedAt time.Time `db:"created_at"`
}

type JobState string

const (
	JobQueued JobState = "queued"
	JobActive JobState = "active"
	JobDone   JobState = "done"
	JobFailed JobState = "failed"
)

type Job struct {
	ID          zid.ID     `db:"id"`
	TenantID    string     `db:"tenant_id"`
	JobType     string     `db:"job_type"`
	Payload     string     `db:"payload"`
	Priority    int        `db:"priority"`
	State       JobState   `db:"state"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	RunAt       time.Time  `db:"run_at"`
	LockedUntil *time.Time `db:"locked_until"`
	Lease       string     `db:"lease"`
	LastError   string     `db:"last_error"`
	Deadline    time.Time  `db:"deadline"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

type Reputation struct {
	Scope     string    `db:"scope"`
	Key       string    `db:"scope_key"`
	Volume    int64     `db:"volume"`
	Failures  int64     `db:"failures"`
	Blocked   bool      `db:"blocked"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r Reputation) FailureRate() float64 {
	if r.Volume == 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Volume)
}

const ScopeIP = "ip"
const ScopeTenantDomain = "tenant-domain"

// ReputationKey is the key of the (tenant, recipient domain) reputation scope
func ReputationKey(tenantID, domain string) string {
	return tenantID + "|" + strings.ToLower(domain)
}

type BlockKind string

const BlockIP BlockKind = "ip"
const BlockDomain BlockKind = "domain"

type Block struct {
	Kind      BlockKind `db:"kind"`
	Value     string    `db:"value"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

type Event struct {
	ID          zid.ID     `db:"id"`
	Event       string     `db:"event"`
	TenantID    string     `db:"tenant_id"`
	MessageID   string     `db:"message_id"`
	Recipient   string     `db:"recipient"`
	JobID       string     `db:"job_id"`
	Info        string     `db:"info"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}
