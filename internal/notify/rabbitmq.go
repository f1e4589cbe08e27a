package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const (
	publishQueueSize = 256
	publishTimeout   = 5 * time.Second
	drainTimeout     = 5 * time.Second
)

var (
	ErrPublishQueueFull = errors.New("notification publish queue is full")
	ErrPublisherClosed  = errors.New("notification publisher is closed")
)

// confirmChannel is the slice of *amqp.Channel the publisher drives.
type confirmChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

// brokerChannel closes its connection along with the channel.
type brokerChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (b brokerChannel) Close() error {
	b.Channel.Close()
	return b.conn.Close()
}

type inflight struct {
	id     uuid.UUID
	sentAt time.Time
}

// AMQPPublisher publishes notifications to a topic exchange with publisher
// confirms. Routing keys are "notification.<kind>".
//
// Publish only enqueues. A single goroutine owns the channel, publishes in
// order and matches broker confirms to messages by delivery tag.
type AMQPPublisher struct {
	exchange string
	open     func() (confirmChannel, error)
	logger   zerolog.Logger

	queue     chan *Notification
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by run
	channel  confirmChannel
	confirms chan amqp.Confirmation
	nextTag  uint64
	pending  map[uint64]inflight
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	p := newAMQPPublisher(exchange, publishQueueSize, logger)
	p.open = func() (confirmChannel, error) { return dialExchange(url, exchange, p.logger) }
	ch, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("initial RabbitMQ connection failed: %w", err)
	}
	p.start(ch)
	return p, nil
}

func newAMQPPublisher(exchange string, queueSize int, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp_publisher").Logger(),
		queue:    make(chan *Notification, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[uint64]inflight),
	}
}

func dialExchange(url, exchange string, logger zerolog.Logger) (confirmChannel, error) {
	logger.Info().Str("exchange", exchange).Msg("Connecting to RabbitMQ")
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return brokerChannel{Channel: ch, conn: conn}, nil
}

// Publish implements Publisher. It never waits for the broker; when the
// queue is full the notification is refused with ErrPublishQueueFull.
func (p *AMQPPublisher) Publish(_ context.Context, n *Notification) error {
	select {
	case <-p.stop:
		return ErrPublisherClosed
	default:
	}
	select {
	case p.queue <- n:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

// Close publishes what is still queued, waits briefly for outstanding
// confirms and shuts the channel down.
func (p *AMQPPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *AMQPPublisher) start(ch confirmChannel) {
	p.attach(ch)
	go p.run()
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	ticker := time.NewTicker(publishTimeout)
	defer ticker.Stop()

	for {
		select {
		case n := <-p.queue:
			p.send(n)
		case c, ok := <-p.confirms:
			if !ok {
				p.logger.Warn().Msg("RabbitMQ channel closed; reconnecting on next publish")
				p.detach()
				continue
			}
			p.resolve(c)
		case now := <-ticker.C:
			p.expire(now)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *AMQPPublisher) send(n *Notification) {
	if p.channel == nil {
		ch, err := p.open()
		if err != nil {
			p.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("dropping notification, broker unreachable")
			return
		}
		p.attach(ch)
	}

	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(n)
	if err != nil {
		p.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("failed to marshal notification")
		return
	}
	err = p.channel.Publish(
		p.exchange,                     // exchange
		"notification."+string(n.Kind), // routing key
		false,                          // mandatory
		false,                          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID.String(),
			Body:         body,
			Timestamp:    n.CreatedAt,
		},
	)
	if err != nil {
		p.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("failed to publish notification")
		p.detach()
		return
	}
	p.nextTag++
	p.pending[p.nextTag] = inflight{id: n.ID, sentAt: time.Now()}
}

func (p *AMQPPublisher) resolve(c amqp.Confirmation) {
	msg, ok := p.pending[c.DeliveryTag]
	if !ok {
		return
	}
	delete(p.pending, c.DeliveryTag)
	if !c.Ack {
		p.logger.Error().Uint64("tag", c.DeliveryTag).Str("notification_id", msg.id.String()).Msg("notification nacked by broker")
		return
	}
	p.logger.Debug().Uint64("tag", c.DeliveryTag).Str("notification_id", msg.id.String()).Msg("notification confirmed")
}

// expire forgets messages whose confirm is overdue; a late confirm for them
// finds no pending entry and is ignored.
func (p *AMQPPublisher) expire(now time.Time) {
	for tag, msg := range p.pending {
		if now.Sub(msg.sentAt) >= publishTimeout {
			delete(p.pending, tag)
			p.logger.Warn().Uint64("tag", tag).Str("notification_id", msg.id.String()).Msg("timed out waiting for publisher confirm")
		}
	}
}

func (p *AMQPPublisher) drain() {
	for len(p.queue) > 0 {
		p.send(<-p.queue)
	}

	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()
	for len(p.pending) > 0 && p.confirms != nil {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.confirms = nil
				continue
			}
			p.resolve(c)
		case <-timeout.C:
			p.detach()
			return
		}
	}
	p.detach()
}

func (p *AMQPPublisher) attach(ch confirmChannel) {
	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, publishQueueSize))
	p.nextTag = 0
}

func (p *AMQPPublisher) detach() {
	if len(p.pending) > 0 {
		p.logger.Warn().Int("unconfirmed", len(p.pending)).Msg("abandoning unconfirmed notifications")
		p.pending = make(map[uint64]inflight)
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = nil
	p.confirms = nil
}
