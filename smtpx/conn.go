package smtpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"io"
	"net"
	"time"
)

var ErrTLSRequired = errors.New("remote does not support STARTTLS")

// Connection is an established smtp client session to one exchanger
type Connection interface {
	SendMail(ctx context.Context, from string, to []string, msg io.WriterTo) error
	Noop() error
	Close() error
}

type Dialer func(ctx context.Context, addr string, localName string) (Connection, error)

type DialConfig struct {
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" envDefault:"5m"`
	SubmissionTimeout time.Duration `env:"SUBMISSION_TIMEOUT" envDefault:"10m"`
	RequireTLS        bool          `env:"REQUIRE_TLS" envDefault:"false"`
	// exchangers rarely have certificates matching their mx name, STARTTLS is opportunistic
	VerifyTLS bool `env:"VERIFY_TLS" envDefault:"false"`
}

// NewDialer connects, greets and upgrades to tls when the remote offers STARTTLS
func NewDialer(cfg DialConfig, log *logrus.Logger) Dialer {
	return func(ctx context.Context, addr string, localName string) (Connection, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %s, %w", addr, err)
		}

		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		start := time.Now()
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		c := smtp.NewClient(nc)
		c.CommandTimeout = cfg.CommandTimeout
		c.SubmissionTimeout = cfg.SubmissionTimeout

		stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
		defer stop()

		err = c.Hello(localName)
		if err != nil {
			_ = c.Close()
			return nil, err
		}

		if ok, _ := c.Extension("STARTTLS"); ok {
			err = c.StartTLS(&tls.Config{ServerName: host, InsecureSkipVerify: !cfg.VerifyTLS})
			if err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("starttls with %s failed, %w", addr, err)
			}
		} else if cfg.RequireTLS {
			_ = c.Close()
			return nil, fmt.Errorf("%s: %w", addr, ErrTLSRequired)
		}

		log.WithField("mx", addr).Debugf("connected, took %v", time.Since(start))
		return &connection{client: c, addr: addr}, nil
	}
}

type connection struct {
	client *smtp.Client
	addr   string
}

func (c *connection) Noop() error {
	return c.client.Noop()
}

func (c *connection) Close() error {
	err := c.client.Quit()
	if err != nil {
		return c.client.Close()
	}
	return nil
}

// SendMail runs one mail transaction. A protocol error leaves the connection reset and usable,
// any other error leaves it in an unknown state and it should be closed.
func (c *connection) SendMail(ctx context.Context, from string, to []string, msg io.WriterTo) (err error) {
	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()

	defer func() {
		var serr *smtp.SMTPError
		if errors.As(err, &serr) {
			_ = c.client.Reset()
		}
	}()

	err = c.client.Mail(from, nil)
	if err != nil {
		return err
	}
	for _, rcpt := range to {
		err = c.client.Rcpt(rcpt, nil)
		if err != nil {
			return err
		}
	}
	w, err := c.client.Data()
	if err != nil {
		return err
	}
	_, err = msg.WriteTo(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
