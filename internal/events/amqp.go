package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/modfin/posten"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"sync"
	"time"
)

// AMQP publishes events on a topic exchange with the event name as routing key, waiting for broker confirms
type AMQP struct {
	url      string
	exchange string
	timeout  time.Duration
	log      *logrus.Logger

	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	confirms chan amqp091.Confirmation
}

func NewAMQP(url, exchange string, timeout time.Duration, log *logrus.Logger) (*AMQP, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &AMQP{url: url, exchange: exchange, timeout: timeout, log: log}
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.connect()
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connect() error {
	conn, err := amqp091.Dial(a.url)
	if err != nil {
		return fmt.Errorf("could not connect to amqp broker, %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		return errors.Join(fmt.Errorf("could not open amqp channel, %w", err), conn.Close())
	}
	err = channel.ExchangeDeclare(
		a.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Join(fmt.Errorf("could not declare exchange %s, %w", a.exchange, err), conn.Close())
	}
	err = channel.Confirm(false)
	if err != nil {
		return errors.Join(fmt.Errorf("could not enable publisher confirms, %w", err), conn.Close())
	}
	a.conn = conn
	a.channel = channel
	a.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return nil
}

func (a *AMQP) ensure() error {
	if a.conn != nil && !a.conn.IsClosed() && a.channel != nil && !a.channel.IsClosed() {
		return nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.log.Warn("amqp connection lost, reconnecting")
	return a.connect()
}

func (a *AMQP) Publish(ctx context.Context, e posten.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.ensure()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err = a.channel.PublishWithContext(ctx,
		a.exchange,
		e.Event.String(),
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			MessageId:    e.ID,
			Timestamp:    e.CreatedAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("could not publish %s event, %w", e.Event, err)
	}

	select {
	case confirm, ok := <-a.confirms:
		if !ok {
			return errors.New("amqp channel closed before confirm")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker did not confirm %s event", e.Event)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm, %w", ctx.Err())
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
