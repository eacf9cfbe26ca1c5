package ingest

import (
	"context"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/posten"
	"github.com/modfin/posten/internal/dao"
	"github.com/modfin/posten/internal/gate"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/internal/ownership"
	"github.com/modfin/posten/internal/spool"
	"github.com/modfin/posten/pkg/zid"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/smtpx/envelope"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	netmail "net/mail"
	"strings"
	"time"
)

type Config struct {
	Hostname      string `env:"HOSTNAME"`
	MaxRecipients int    `env:"MAX_RECIPIENTS" envDefault:"100"`
	MaxSize       int    `env:"MAX_SIZE" envDefault:"26214400"`
}

type Gate interface {
	Evaluate(ctx context.Context, conn gate.Conn, msg gate.Message) gate.Decision
}

type Validator interface {
	Validate(ctx context.Context, tenantID string, from string) ownership.Result
}

type Queue interface {
	EnqueueMessages(ctx context.Context, items ...spool.Item) ([][]zid.ID, error)
}

// Submission is a message handed over by one of the front ends
type Submission struct {
	Source       dao.Source
	Conn         gate.Conn
	EnvelopeFrom string
	Recipients   []string
	Raw          []byte
	Priority     int
}

type Receipt struct {
	MessageID    zid.ID
	From         string
	OriginalFrom string
	Rewritten    bool
	Recipients   []string
	Jobs         []zid.ID
	Score        float64
}

// Pipeline admits messages from every front end the same way: validate, gate, sender ownership and enqueue
type Pipeline struct {
	cfg      Config
	gate     Gate
	owner    Validator
	queue    Queue
	log      *logrus.Logger
	now      func() time.Time
	admitted *prometheus.CounterVec
}

func New(cfg Config, g Gate, owner Validator, queue Queue, lc *tools.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 100
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 25 << 20
	}
	return &Pipeline{
		cfg:   cfg,
		gate:  g,
		owner: owner,
		queue: queue,
		log:   lc.New("ingest"),
		now:   time.Now,
		admitted: m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "posten_ingest_messages",
			Help: "Number of messages handed to the ingest pipeline by source and outcome",
		}, []string{"source", "outcome"}),
	}
}

type parsed struct {
	header     mail.Header
	from       posten.Address
	subject    string
	recipients []string
}

func (p *Pipeline) parse(sub Submission) (parsed, *Rejection) {
	if len(sub.Raw) > p.cfg.MaxSize {
		return parsed{}, reject(552, smtp.EnhancedCode{5, 3, 4}, "message exceeds size limit", nil)
	}

	rcpts := make([]string, 0, len(sub.Recipients))
	for _, r := range sub.Recipients {
		addr, err := posten.ParseAddress(r)
		if err != nil {
			return parsed{}, reject(553, smtp.EnhancedCode{5, 1, 3}, "invalid recipient "+r, err)
		}
		rcpts = append(rcpts, strings.ToLower(addr.Email))
	}
	rcpts = slicez.Uniq(rcpts)
	if len(rcpts) == 0 {
		return parsed{}, reject(554, smtp.EnhancedCode{5, 5, 1}, "no valid recipients", nil)
	}
	if len(rcpts) > p.cfg.MaxRecipients {
		return parsed{}, reject(550, smtp.EnhancedCode{5, 5, 3}, "too many recipients", nil)
	}

	h, _, err := envelope.Split(sub.Raw)
	if err != nil {
		return parsed{}, invalid("message header could not be parsed", err)
	}
	header := mail.Header{Header: message.Header{Header: h}}

	if !header.Has("From") {
		return parsed{}, invalid("message has no From header", nil)
	}
	from, err := posten.ParseAddress(header.Get("From"))
	if err != nil {
		return parsed{}, invalid("invalid From header", err)
	}
	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}

	return parsed{
		header:     header,
		from:       from,
		subject:    subject,
		recipients: rcpts,
	}, nil
}

func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	rs, err := p.SubmitAll(ctx, sub)
	if err != nil {
		return Receipt{}, err
	}
	return rs[0], nil
}

// SubmitAll admits every submission before anything is enqueued, and then enqueues them in one
// transaction. A rejection of any of them leaves nothing queued.
func (p *Pipeline) SubmitAll(ctx context.Context, subs ...Submission) ([]Receipt, error) {
	rs, err := p.submitAll(ctx, subs)
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	for _, sub := range subs {
		p.admitted.WithLabelValues(string(sub.Source), outcome).Inc()
	}
	return rs, err
}

type admission struct {
	item spool.Item
	log  *logrus.Entry
}

func (p *Pipeline) submitAll(ctx context.Context, subs []Submission) ([]Receipt, error) {
	admissions := make([]admission, 0, len(subs))
	for _, sub := range subs {
		a, err := p.admit(ctx, sub)
		if err != nil {
			return nil, err
		}
		admissions = append(admissions, a)
	}
	if len(admissions) == 0 {
		return nil, nil
	}

	items := slicez.Map(admissions, func(a admission) spool.Item {
		return a.item
	})
	jobs, err := p.queue.EnqueueMessages(ctx, items...)
	if err != nil {
		for _, a := range admissions {
			a.log.WithError(err).Error("could not enqueue message")
		}
		return nil, unavailable(err)
	}

	receipts := make([]Receipt, 0, len(admissions))
	for i, a := range admissions {
		m := a.item.Message
		a.log.WithField("from", m.HeaderFrom).
			WithField("rewritten", m.Rewritten).
			WithField("recipients", len(a.item.Recipients)).
			WithField("score", m.RiskScore).
			Info("message queued")

		receipts = append(receipts, Receipt{
			MessageID:    m.ID,
			From:         m.HeaderFrom,
			OriginalFrom: m.OriginalFrom,
			Rewritten:    m.Rewritten,
			Recipients:   a.item.Recipients,
			Jobs:         jobs[i],
			Score:        m.RiskScore,
		})
	}
	return receipts, nil
}

// admit runs every check on a submission and prepares it for the queue, nothing is stored
func (p *Pipeline) admit(ctx context.Context, sub Submission) (admission, error) {
	log := p.log.WithField("tenant", sub.Conn.TenantID).WithField("source", sub.Source)

	msg, rej := p.parse(sub)
	if rej != nil {
		log.WithError(rej).Info("message rejected")
		return admission{}, rej
	}

	m := dao.Message{
		ID:           zid.New(),
		TenantID:     sub.Conn.TenantID,
		Source:       sub.Source,
		EnvelopeFrom: strings.ToLower(sub.EnvelopeFrom),
		HeaderFrom:   msg.from.Email,
		OriginalFrom: msg.from.Email,
		Subject:      msg.subject,
		State:        dao.MessageReceived,
	}
	log = log.WithField("mid", m.ID)
	if err := m.Transition(dao.MessageValidated); err != nil {
		return admission{}, unavailable(err)
	}

	d := p.gate.Evaluate(ctx, sub.Conn, gate.Message{
		EnvelopeFrom: sub.EnvelopeFrom,
		HeaderFrom:   msg.from.Email,
		Recipients:   msg.recipients,
		Raw:          sub.Raw,
	})
	if !d.Allow {
		return admission{}, rejection(d)
	}
	m.RiskScore = d.Score

	var from *netmail.Address
	if sub.Source != dao.SourceInbound {
		res := p.owner.Validate(ctx, sub.Conn.TenantID, msg.from.Email)
		m.HeaderFrom = res.FinalAddress
		m.DKIMDomain = res.DKIMDomain
		m.Rewritten = res.WasRewritten
		if res.WasRewritten {
			from = &netmail.Address{Name: msg.from.Name, Address: res.FinalAddress}
		}
		if m.EnvelopeFrom == "" || res.WasRewritten {
			m.EnvelopeFrom = res.FinalAddress
		}
	}

	content, err := envelope.Prepare(sub.Raw, from, smtpx.GenerateId(p.cfg.Hostname), p.now())
	if err != nil {
		return admission{}, invalid("message could not be prepared", err)
	}
	m.Size = len(content)

	if err := m.Transition(dao.MessageQueued); err != nil {
		return admission{}, unavailable(err)
	}

	item := spool.Item{
		Message:    m,
		Content:    content,
		Recipients: msg.recipients,
		Payloads: slicez.Map(msg.recipients, func(rcpt string) spool.Payload {
			if sub.Source == dao.SourceInbound {
				return spool.Inbound{MessageID: m.ID, Recipient: rcpt}
			}
			return spool.Delivery{MessageID: m.ID, Recipient: rcpt}
		}),
		Options: spool.Options{Priority: sub.Priority},
	}
	if m.Rewritten {
		item.Events = append(item.Events, dao.Event{
			Event:     posten.EventRewritten.String(),
			TenantID:  m.TenantID,
			MessageID: m.ID.String(),
			Info:      m.OriginalFrom + " -> " + m.HeaderFrom,
		})
	}
	return admission{item: item, log: log}, nil
}

func rejection(d gate.Decision) *Rejection {
	switch {
	case d.Check == gate.CheckRateLimit && d.Temporary:
		return reject(451, smtp.EnhancedCode{4, 7, 1}, d.Reason, nil)
	case d.Temporary:
		return reject(451, smtp.EnhancedCode{4, 3, 0}, d.Reason, nil)
	case d.Check == gate.CheckDNSBL:
		return reject(554, smtp.EnhancedCode{5, 7, 1}, d.Reason, nil)
	}
	return reject(550, smtp.EnhancedCode{5, 7, 1}, d.Reason, nil)
}
