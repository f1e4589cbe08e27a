package notify

import "github.com/rs/zerolog"

type ConfirmChannel = confirmChannel

// NewAMQPPublisherOn runs a publisher over an already open channel.
func NewAMQPPublisherOn(ch ConfirmChannel, exchange string, queueSize int, logger zerolog.Logger) *AMQPPublisher {
	p := newAMQPPublisher(exchange, queueSize, logger)
	p.open = func() (confirmChannel, error) { return ch, nil }
	p.start(ch)
	return p
}
