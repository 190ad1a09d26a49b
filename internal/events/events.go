// Package events fans sync events out to any number of subscribers over an
// in-process watermill pub/sub.
//
// Progress events are dropped for subscribers that fall behind. Terminal events
// (completed, failed, cancelled) wait for room in a full subscriber channel, up
// to the terminal timeout, so a subscriber that stops draining cannot stall a run.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Topic carries every sync event.
const Topic = "tapedeck.sync.events"

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// DefaultTerminalTimeout bounds how long a terminal event waits on a full subscriber channel.
const DefaultTerminalTimeout = 5 * time.Second

var ErrBusClosed = errors.New("event bus closed")

// Emitter is the producer side of the bus.
type Emitter interface {
	Emit(ctx context.Context, e models.SyncEvent)
}

// Bus is a [gochannel.GoChannel] carrying JSON encoded [models.SyncEvent]s.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *log.Logger
	buffer int

	terminalTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Bus)

func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBuffer sets the channel size handed to each subscriber.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithTerminalTimeout sets how long a terminal event waits for a subscriber before it is dropped.
func WithTerminalTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.terminalTimeout = d
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: shared.NewNopLogger(), buffer: DefaultBuffer, terminalTimeout: DefaultTerminalTimeout}
	for _, opt := range opts {
		opt(b)
	}

	// Publishing waits for subscribers to ack, which keeps delivery in emit order.
	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, NewLoggerAdapter(b.logger.WithPrefix("watermill")))
	return b
}

// Emit publishes e. Failures are logged and never returned; the persisted job remains authoritative.
func (b *Bus) Emit(ctx context.Context, e models.SyncEvent) {
	if err := b.Publish(ctx, e); err != nil && !errors.Is(err, ErrBusClosed) {
		b.logger.Warn("failed to publish sync event", "kind", e.Kind, "job_id", e.JobID, "err", err)
	}
}

// Publish encodes and publishes e.
func (b *Bus) Publish(ctx context.Context, e models.SyncEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	id := e.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("kind", string(e.Kind))
	msg.Metadata.Set("job_id", e.JobID)
	msg.Metadata.Set("profile_id", e.ProfileID)
	msg.SetContext(ctx)

	return b.pubsub.Publish(Topic, msg)
}

// Subscribe returns a channel of events published after the call. The channel closes when ctx
// is done or the bus is closed. Callers must drain the channel or cancel ctx.
func (b *Bus) Subscribe(ctx context.Context) (<-chan models.SyncEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan models.SyncEvent, b.buffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for msg := range messages {
			b.deliver(ctx, msg, out)
		}
	}()
	return out, nil
}

func (b *Bus) deliver(ctx context.Context, msg *message.Message, out chan<- models.SyncEvent) {
	defer msg.Ack()

	var e models.SyncEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		b.logger.Warn("dropping undecodable event", "uuid", msg.UUID, "err", err)
		return
	}

	if e.Kind.IsTerminal() {
		timer := time.NewTimer(b.terminalTimeout)
		defer timer.Stop()

		select {
		case out <- e:
		case <-ctx.Done():
		case <-timer.C:
			b.logger.Warn("subscriber not draining, dropping terminal event", "kind", e.Kind, "job_id", e.JobID)
		}
		return
	}

	select {
	case out <- e:
	default:
		b.logger.Debug("subscriber behind, dropping progress event", "job_id", e.JobID)
	}
}

// Close stops the bus and closes every subscription channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

// Multi emits every event to each of its emitters in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e models.SyncEvent) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// LogEmitter writes events to a logger. It backs the CLI when no subscriber is attached.
type LogEmitter struct {
	Logger *log.Logger
}

func (l LogEmitter) Emit(_ context.Context, e models.SyncEvent) {
	kv := []any{"kind", e.Kind, "job_id", e.JobID}
	if e.Progress != nil {
		kv = append(kv, "phase", e.Progress.Phase, "processed", e.Progress.Processed, "discovered", e.Progress.Discovered)
	}
	if e.Message != "" {
		kv = append(kv, "message", e.Message)
	}

	switch e.Kind {
	case models.EventFailed:
		l.Logger.Error("sync event", kv...)
	case models.EventProgress:
		l.Logger.Debug("sync event", kv...)
	default:
		l.Logger.Info("sync event", kv...)
	}
}
