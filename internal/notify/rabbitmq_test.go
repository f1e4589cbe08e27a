package notify_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/notify"
)

// fakeBroker stands in for a confirm-mode channel.
type fakeBroker struct {
	gate    chan struct{}
	entered chan struct{}
	autoAck bool

	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	published []string
	tag       uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{entered: make(chan struct{}, 64)}
}

func (b *fakeBroker) Publish(_, _ string, _, _ bool, msg amqp.Publishing) error {
	b.entered <- struct{}{}
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg.MessageId)
	b.tag++
	if b.autoAck {
		b.confirms <- amqp.Confirmation{DeliveryTag: b.tag, Ack: true}
	}
	return nil
}

func (b *fakeBroker) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirms = c
	return c
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) confirm(tag uint64, ack bool) {
	b.mu.Lock()
	c := b.confirms
	b.mu.Unlock()
	c <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

func (b *fakeBroker) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func note() *notify.Notification {
	return &notify.Notification{ID: uuid.New(), UserID: uuid.New(), Kind: notify.KindFine}
}

func TestAMQPPublishNeverWaitsForBroker(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	broker.gate = make(chan struct{})
	broker.autoAck = true
	pub := notify.NewAMQPPublisherOn(broker, "lending", 2, zerolog.Nop())

	first, second, third := note(), note(), note()
	require.NoError(t, pub.Publish(ctx, first))
	select {
	case <-broker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher goroutine never reached the broker")
	}

	// the broker is stuck; callers still return at once
	require.NoError(t, pub.Publish(ctx, second))
	require.NoError(t, pub.Publish(ctx, third))
	start := time.Now()
	assert.ErrorIs(t, pub.Publish(ctx, note()), notify.ErrPublishQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(broker.gate)
	pub.Close()

	assert.Equal(t, []string{first.ID.String(), second.ID.String(), third.ID.String()}, broker.sent())
	assert.ErrorIs(t, pub.Publish(ctx, note()), notify.ErrPublisherClosed)
}

func TestAMQPConfirmsMatchedByDeliveryTag(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	broker := newFakeBroker()
	pub := notify.NewAMQPPublisherOn(broker, "lending", 8, zerolog.New(&logs))

	a, b, c := note(), note(), note()
	for _, n := range []*notify.Notification{a, b, c} {
		require.NoError(t, pub.Publish(ctx, n))
	}
	require.Eventually(t, func() bool { return len(broker.sent()) == 3 }, 2*time.Second, 10*time.Millisecond)

	// out of order, plus a confirm for a tag that was never handed out
	broker.confirm(9, false)
	broker.confirm(3, true)
	broker.confirm(1, true)
	broker.confirm(2, false)
	pub.Close()

	var nacked []string
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if strings.Contains(line, "nacked by broker") {
			nacked = append(nacked, line)
		}
	}
	require.Len(t, nacked, 1)
	assert.Contains(t, nacked[0], b.ID.String())
	assert.NotContains(t, logs.String(), "abandoning unconfirmed")
}
