package pool

import (
	"context"
	"errors"
	"fmt"
	"github.com/modfin/henry/compare"
	"github.com/modfin/posten/internal/metrics"
	"github.com/modfin/posten/smtpx"
	"github.com/modfin/posten/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrExhausted no connection to the exchanger became available before the context expired
var ErrExhausted = errors.New("no free available connections to mx server")

type Config struct {
	MaxPerHost    int           `env:"MAX_PER_HOST" envDefault:"4"`
	HostOverrides []string      `env:"HOST_OVERRIDES" envSeparator:","` // eg. gmail-smtp-in.l.google.com=10
	MaxIdle       time.Duration `env:"MAX_IDLE" envDefault:"15s"`
	CleanInterval time.Duration `env:"CLEAN_INTERVAL" envDefault:"30s"`
}

func New(cfg Config, dialer smtpx.Dialer, localName string, lc *tools.Logger, m *metrics.Metrics) *Pool {
	l := lc.New("pool")
	p := &Pool{
		cfg:       cfg,
		dialer:    dialer,
		localName: localName,
		log:       l,
		hosts:     map[string]*host{},
		overrides: map[string]int{},
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		borrowHistogram: m.Register().NewHistogramVec(prometheus.HistogramOpts{
			Name: "posten_pool_borrow_wait_time", Help: "wait time for borrowing a connection to a mx from the pool in seconds",
		}, []string{"mx", "success"}),
		sendHistogram: m.Register().NewHistogramVec(prometheus.HistogramOpts{
			Name: "posten_pool_send_time", Help: "time to send email to mx through the pool in seconds",
		}, []string{"mx", "success"}),
	}
	p.cfg.MaxPerHost = compare.Coalesce(p.cfg.MaxPerHost, 1)
	p.cfg.MaxIdle = compare.Coalesce(p.cfg.MaxIdle, 15*time.Second)
	p.cfg.CleanInterval = compare.Coalesce(p.cfg.CleanInterval, 30*time.Second)

	for _, o := range cfg.HostOverrides {
		name, size, found := strings.Cut(o, "=")
		n, err := strconv.Atoi(size)
		if !found || err != nil || n < 1 {
			l.Warnf("invalid host override %s, expected host=size", o)
			continue
		}
		p.overrides[strings.ToLower(name)] = n
	}
	return p
}

// Pool keeps up to a max number of connections per exchanger host. Connections are not bound to
// a tenant or message. Borrowing from an exhausted host blocks until a connection is returned.
type Pool struct {
	cfg       Config
	dialer    smtpx.Dialer
	localName string
	log       *logrus.Logger

	mu        sync.Mutex
	hosts     map[string]*host
	overrides map[string]int

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	borrowHistogram *prometheus.HistogramVec
	sendHistogram   *prometheus.HistogramVec
}

type host struct {
	addr  string
	slots chan *Lease
}

// Lease is a borrowed slot of a host, it may or may not hold an open connection
type Lease struct {
	pool     *Pool
	host     *host
	instance int
	conn     smtpx.Connection
	lastUsed time.Time
}

func (p *Pool) host(addr string) *host {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.hosts[addr]
	if h == nil {
		name, _, _ := strings.Cut(addr, ":")
		size := compare.Coalesce(p.overrides[strings.ToLower(name)], p.cfg.MaxPerHost)
		h = &host{addr: addr, slots: make(chan *Lease, size)}
		for i := 0; i < size; i++ {
			h.slots <- &Lease{pool: p, host: h, instance: i}
		}
		p.hosts[addr] = h
		p.log.WithField("mx", addr).WithField("size", size).Debug("added host to pool")
	}
	return h
}

// Borrow waits for a free slot of the host at addr
func (p *Pool) Borrow(ctx context.Context, addr string) (*Lease, error) {
	h := p.host(addr)
	start := time.Now()
	select {
	case l := <-h.slots:
		p.borrowHistogram.WithLabelValues(addr, "true").Observe(time.Since(start).Seconds())
		return l, nil
	case <-ctx.Done():
		p.borrowHistogram.WithLabelValues(addr, "false").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("borrowing %s, %w: %w", addr, ErrExhausted, ctx.Err())
	}
}

// Release returns the slot to its host, it must not be used afterwards
func (l *Lease) Release() {
	l.host.slots <- l
}

func (l *Lease) Instance() int {
	return l.instance
}

func (l *Lease) ensure(ctx context.Context) error {
	if l.conn != nil {
		if time.Since(l.lastUsed) < l.pool.cfg.MaxIdle && l.conn.Noop() == nil {
			return nil
		}
		l.pool.log.WithField("mx", l.host.addr).WithField("instance", l.instance).Debug("stale connection, forcing close")
		_ = l.conn.Close()
		l.conn = nil
	}
	conn, err := l.pool.dialer(ctx, l.host.addr, l.pool.localName)
	if err != nil {
		return err
	}
	l.conn = conn
	l.lastUsed = time.Now()
	return nil
}

// Send delivers msg over the slots connection, connecting first if needed. A connection that fails
// with anything but a protocol reply is closed so that the next borrower reconnects.
func (l *Lease) Send(ctx context.Context, from string, to []string, msg io.WriterTo) (err error) {
	start := time.Now()
	defer func() {
		l.pool.sendHistogram.WithLabelValues(l.host.addr, compare.Ternary(err == nil, "true", "false")).Observe(time.Since(start).Seconds())
	}()

	err = l.ensure(ctx)
	if err != nil {
		return &ConnectError{Addr: l.host.addr, Err: err}
	}
	err = l.conn.SendMail(ctx, from, to, msg)
	if err != nil && smtpx.Code(err) == 0 {
		_ = l.conn.Close()
		l.conn = nil
		return err
	}
	l.lastUsed = time.Now()
	return err
}

type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s, %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (p *Pool) Start() {
	p.once.Do(func() {
		go p.cleaner()
	})
}

func (p *Pool) Stop(ctx context.Context) error {
	p.Start()
	close(p.done)
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.clean(time.Now(), true)
	return nil
}

func (p *Pool) cleaner() {
	defer close(p.stopped)
	p.log.Info("starting cleaner")
	ticker := time.NewTicker(p.cfg.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.clean(time.Now(), false)
		case <-p.done:
			p.log.Info("cleaner stopped")
			return
		}
	}
}

// clean closes connections idle for longer than MaxIdle, or every idle one if force. Only slots
// sitting in a host are inspected, borrowed ones are left alone.
func (p *Pool) clean(now time.Time, force bool) (closed int) {
	p.mu.Lock()
	hosts := make([]*host, 0, len(p.hosts))
	for _, h := range p.hosts {
		hosts = append(hosts, h)
	}
	p.mu.Unlock()

	for _, h := range hosts {
		n := len(h.slots)
		for i := 0; i < n; i++ {
			var l *Lease
			select {
			case l = <-h.slots:
			default:
			}
			if l == nil {
				break
			}
			if l.conn != nil && (force || now.Sub(l.lastUsed) > p.cfg.MaxIdle) {
				err := l.conn.Close()
				if err != nil {
					p.log.WithError(err).WithField("mx", h.addr).Debug("error while closing idle connection")
				}
				l.conn = nil
				closed++
			}
			h.slots <- l
		}
	}
	return closed
}
