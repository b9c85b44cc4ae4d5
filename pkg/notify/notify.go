// Package notify delivers workflow notifications (signature requested,
// completed, declined, expired, finalization failed). Delivery is
// fire-and-forget: a failed or slow sink never fails a workflow transition.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event names a notification type.
type Event string

const (
	EventSignatureRequested Event = "signature_requested"
	EventRequestCompleted   Event = "request_completed"
	EventRequestDeclined    Event = "request_declined"
	EventRequestExpired     Event = "request_expired"
	EventFinalizationFailed Event = "finalization_failed"
)

// Message is one notification for one recipient.
type Message struct {
	Recipient string            `json:"recipient"`
	Event     Event             `json:"event"`
	RequestID string            `json:"request_id"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`
}

// Sink performs the actual delivery.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// ErrQueueFull is logged when a message is dropped because the queue is at capacity.
var ErrQueueFull = errors.New("notification queue full")

// Config bounds the dispatcher.
type Config struct {
	QueueSize   int           `yaml:"queue_size"`
	Workers     int           `yaml:"workers"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 256, Workers: 2, SendTimeout: 5 * time.Second}
}

// Dispatcher queues messages and hands them to a Sink from background
// workers. Notify never blocks the caller.
type Dispatcher struct {
	sink   Sink
	config Config
	queue  chan Message
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before Notify; messages
// queued earlier are delivered once workers start.
func NewDispatcher(sink Sink, config Config) *Dispatcher {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	return &Dispatcher{
		sink:   sink,
		config: config,
		queue:  make(chan Message, config.QueueSize),
		logger: slog.Default().With("component", "notify"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the delivery workers. They stop when ctx is done or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.closed {
		return
	}
	d.running = true
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			d.drain()
			return
		case msg := <-d.queue:
			d.deliver(msg)
		}
	}
}

// drain delivers what is already queued at shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case msg := <-d.queue:
			d.deliver(msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
	defer cancel()
	if err := d.sink.Send(ctx, msg); err != nil {
		d.logger.Warn("notification delivery failed",
			"event", msg.Event, "request_id", msg.RequestID, "error", err)
	}
}

// Notify queues a message. It reports nothing: a full queue or a closed
// dispatcher drops the message with a log line.
func (d *Dispatcher) Notify(_ context.Context, recipient string, event Event, requestID string, data map[string]string) {
	msg := Message{Recipient: recipient, Event: event, RequestID: requestID, Data: data, At: d.now().UTC()}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		d.logger.Warn("notification dropped after close", "event", event, "request_id", requestID)
		return
	}

	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification dropped", "event", event, "request_id", requestID, "error", ErrQueueFull)
	}
}

// Close stops the workers after delivering queued messages.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	running := d.running
	close(d.stopCh)
	d.mu.Unlock()

	if running {
		d.wg.Wait()
		return
	}
	d.drain()
}

// LogSink writes notifications to a structured logger. It is the default
// sink when no broker is configured; an email gateway can tail it.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	logger.InfoContext(ctx, "notification",
		"recipient", msg.Recipient, "event", msg.Event, "request_id", msg.RequestID, "data", msg.Data)
	return nil
}

// MultiSink fans a message out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
