// Package event carries task lifecycle notifications between components
// of one process, on top of watermill's gochannel pub/sub.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentsync/internal/logging"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	TopicTaskDispatched = "task.dispatched"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
)

// TaskEvent describes one state transition of a dispatched task.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Handler receives decoded task events. It runs on the subscription
// goroutine, so long work should be handed off.
type Handler func(TaskEvent)

var ErrClosed = errors.New("event bus closed")

type Bus struct {
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bus) Publish(topic string, ev TaskEvent) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode task event: %w", err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe delivers every event published on topic to fn until the bus
// is closed.
func (b *Bus) Subscribe(topic string, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	msgs, err := b.pubsub.Subscribe(b.ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			var ev TaskEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logging.Warn().Err(err).Str("topic", topic).Msg("drop undecodable task event")
				msg.Ack()
				continue
			}
			fn(ev)
			msg.Ack()
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
