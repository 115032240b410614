package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Default notifier configuration constants
const (
	// DefaultExchange is the topic exchange conversation events are published to.
	DefaultExchange = "conversations"
	// DefaultDialAttempts is how many times the broker dial is retried at startup.
	DefaultDialAttempts = 5
	// DefaultDialDelay is the base delay between dial attempts.
	DefaultDialDelay = 2 * time.Second
	// MaxDialDelay caps the dial backoff.
	MaxDialDelay = 60 * time.Second
)

// Notifier publishes conversation events for realtime consumers.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NoopNotifier discards events. Used when no broker is configured so the
// pipeline keeps working without realtime fan-out.
type NoopNotifier struct{}

var _ Notifier = (*NoopNotifier)(nil)

func (NoopNotifier) Publish(ctx context.Context, evt Event) error {
	slog.Debug("NoopNotifier.Publish: discarding event", "kind", evt.Kind, "conversationID", evt.ConversationID)
	return nil
}

func (NoopNotifier) Close() error { return nil }

// Opts holds configuration options for the AMQP notifier.
type Opts struct {
	URL          string
	Exchange     string
	DialAttempts int
	DialDelay    time.Duration
}

// Option defines a configuration option for the AMQP notifier.
type Option func(*Opts)

// WithURL sets the broker URL.
func WithURL(url string) Option {
	return func(o *Opts) {
		o.URL = url
	}
}

// WithExchange overrides the topic exchange name.
func WithExchange(exchange string) Option {
	return func(o *Opts) {
		o.Exchange = exchange
	}
}

// WithDialAttempts sets how many times the startup dial is retried.
func WithDialAttempts(n int) Option {
	return func(o *Opts) {
		o.DialAttempts = n
	}
}

// Compile-time check that AMQPNotifier implements Notifier.
var _ Notifier = (*AMQPNotifier)(nil)

// AMQPNotifier publishes events to a RabbitMQ topic exchange.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQPNotifier dials the broker with retries and declares the exchange.
func NewAMQPNotifier(ctx context.Context, opts ...Option) (*AMQPNotifier, error) {
	cfg := Opts{
		Exchange:     DefaultExchange,
		DialAttempts: DefaultDialAttempts,
		DialDelay:    DefaultDialDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker URL not set")
	}

	conn, err := dialWithRetry(ctx, cfg.URL, cfg.DialAttempts, cfg.DialDelay)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	slog.Debug("AMQPNotifier.NewAMQPNotifier: connected", "exchange", cfg.Exchange)
	return &AMQPNotifier{conn: conn, exchange: cfg.Exchange}, nil
}

// Publish sends the event to the topic exchange using the event's routing key.
func (n *AMQPNotifier) Publish(ctx context.Context, evt Event) error {
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, n.exchange, evt.RoutingKey(), false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    evt.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	slog.Debug("AMQPNotifier.Publish: event published", "key", evt.RoutingKey(), "kind", evt.Kind)
	return nil
}

// Close closes the broker connection.
func (n *AMQPNotifier) Close() error {
	return n.conn.Close()
}

// dialWithRetry connects to the broker with exponential backoff, respecting
// context cancellation for graceful shutdown.
func dialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration) (*amqp091.Connection, error) {
	var lastErr error

	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			if i > 1 {
				slog.Info("realtime broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := delay * time.Duration(1<<(i-1))
		if sleep > MaxDialDelay {
			sleep = MaxDialDelay
		}
		slog.Warn("realtime broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", attempts, lastErr)
}
