package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ConnState is the subscriber's connection lifecycle state.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnected    ConnState = "connected"
	ConnStateReconnecting ConnState = "reconnecting"
	ConnStateFailed       ConnState = "failed"
)

// Subscriber configuration constants
const (
	// DefaultQueueBinding subscribes to every conversation event.
	DefaultQueueBinding = "conversation.#"
	// DefaultWorkerCount is the number of concurrent handler workers.
	DefaultWorkerCount = 4
	// DefaultBufferCap is the delivery channel buffer size.
	DefaultBufferCap = 64
	// DefaultMaxReconnects is how many consecutive reconnect attempts are made
	// before the subscriber gives up and enters the failed state.
	DefaultMaxReconnects = 10
	// DefaultReconnectDelay is the base reconnect backoff.
	DefaultReconnectDelay = time.Second
	// MaxReconnectDelay caps the reconnect backoff.
	MaxReconnectDelay = 30 * time.Second
	// handlerTimeout bounds a single event handler invocation.
	handlerTimeout = 10 * time.Second
)

// EventHandler processes one realtime event. Returning an error requeues the
// delivery.
type EventHandler func(ctx context.Context, evt Event) error

// Subscriber consumes conversation events from the topic exchange and runs a
// reconnect loop: connected until the broker link drops, reconnecting with
// jittered exponential backoff, failed after too many consecutive attempts.
type Subscriber struct {
	url         string
	exchange    string
	queue       string
	binding     string
	handler     EventHandler
	workerCount int
	bufferCap   int

	maxReconnects  int
	reconnectDelay time.Duration

	state atomic.Value // ConnState
}

// SubscriberOpts holds configuration options for the Subscriber.
type SubscriberOpts struct {
	Exchange       string
	Binding        string
	WorkerCount    int
	BufferCap      int
	MaxReconnects  int
	ReconnectDelay time.Duration
}

// SubscriberOption defines a configuration option for the Subscriber.
type SubscriberOption func(*SubscriberOpts)

// WithSubscriberExchange overrides the topic exchange name.
func WithSubscriberExchange(exchange string) SubscriberOption {
	return func(o *SubscriberOpts) {
		o.Exchange = exchange
	}
}

// WithBinding overrides the queue binding pattern.
func WithBinding(binding string) SubscriberOption {
	return func(o *SubscriberOpts) {
		o.Binding = binding
	}
}

// WithWorkerCount sets the number of concurrent handler workers.
func WithWorkerCount(n int) SubscriberOption {
	return func(o *SubscriberOpts) {
		o.WorkerCount = n
	}
}

// WithMaxReconnects sets the consecutive reconnect attempt limit.
func WithMaxReconnects(n int) SubscriberOption {
	return func(o *SubscriberOpts) {
		o.MaxReconnects = n
	}
}

// NewSubscriber creates a subscriber consuming queue on the given broker.
func NewSubscriber(url, queue string, handler EventHandler, opts ...SubscriberOption) (*Subscriber, error) {
	if url == "" {
		return nil, fmt.Errorf("broker URL not set")
	}
	if queue == "" {
		return nil, fmt.Errorf("queue name not set")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler not set")
	}

	cfg := SubscriberOpts{
		Exchange:       DefaultExchange,
		Binding:        DefaultQueueBinding,
		WorkerCount:    DefaultWorkerCount,
		BufferCap:      DefaultBufferCap,
		MaxReconnects:  DefaultMaxReconnects,
		ReconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subscriber{
		url:            url,
		exchange:       cfg.Exchange,
		queue:          queue,
		binding:        cfg.Binding,
		handler:        handler,
		workerCount:    cfg.WorkerCount,
		bufferCap:      cfg.BufferCap,
		maxReconnects:  cfg.MaxReconnects,
		reconnectDelay: cfg.ReconnectDelay,
	}
	s.state.Store(ConnStateDisconnected)
	return s, nil
}

// State returns the current connection state.
func (s *Subscriber) State() ConnState {
	return s.state.Load().(ConnState)
}

func (s *Subscriber) setState(st ConnState) {
	s.state.Store(st)
	slog.Debug("Subscriber.setState", "state", st)
}

// Run drives the reconnect loop. It blocks until the context is cancelled or
// the subscriber enters the failed state.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(ConnStateDisconnected)
			return nil
		}

		conn, err := amqp091.Dial(s.url)
		if err != nil {
			attempt++
			if attempt > s.maxReconnects {
				s.setState(ConnStateFailed)
				return fmt.Errorf("subscriber gave up after %d reconnect attempts: %w", attempt-1, err)
			}
			s.setState(ConnStateReconnecting)
			sleep := s.backoffDelay(attempt)
			slog.Warn("Subscriber.Run: dial failed", "attempt", attempt, "sleep", sleep, "error", err)
			if !sleepCtx(ctx, sleep) {
				s.setState(ConnStateDisconnected)
				return nil
			}
			continue
		}

		attempt = 0
		s.setState(ConnStateConnected)
		slog.Info("Subscriber.Run: connected", "queue", s.queue, "exchange", s.exchange)

		err = s.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			s.setState(ConnStateDisconnected)
			return nil
		}
		slog.Warn("Subscriber.Run: connection lost", "error", err)
		s.setState(ConnStateReconnecting)
	}
}

// consume declares the topology and processes deliveries until the connection
// drops or the context is cancelled.
func (s *Subscriber) consume(ctx context.Context, conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.Qos(s.workerCount*2, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, s.binding, s.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	msgChan := make(chan amqp091.Delivery, s.bufferCap)
	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgChan {
				s.handleDelivery(msg)
			}
		}()
	}

	var consumeErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-deliveries:
			if !ok {
				consumeErr = fmt.Errorf("delivery channel closed")
				break loop
			}
			msgChan <- msg
		}
	}

	close(msgChan)
	wg.Wait()
	return consumeErr
}

func (s *Subscriber) handleDelivery(msg amqp091.Delivery) {
	var evt Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		slog.Error("Subscriber.handleDelivery: malformed event", "key", msg.RoutingKey, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	err := s.handler(ctx, evt)
	cancel()
	if err != nil {
		slog.Error("Subscriber.handleDelivery: handler error", "key", msg.RoutingKey, "error", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// backoffDelay returns the jittered exponential backoff for the given attempt.
// The delay is drawn uniformly from [base, base*2^(attempt-1)] and capped, so
// a herd of subscribers does not reconnect in lockstep.
func (s *Subscriber) backoffDelay(attempt int) time.Duration {
	ceiling := s.reconnectDelay * time.Duration(1<<(attempt-1))
	if ceiling > MaxReconnectDelay {
		ceiling = MaxReconnectDelay
	}
	if ceiling <= s.reconnectDelay {
		return ceiling
	}
	span := int64(ceiling - s.reconnectDelay)
	return s.reconnectDelay + time.Duration(rand.Int64N(span+1))
}

// sleepCtx sleeps for d, returning false if the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
