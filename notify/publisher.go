package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// drainTimeout bounds publishing queued events on shutdown.
	drainTimeout = 5 * time.Second
)

// MessageWriter defines the message writing requirements.
type MessageWriter interface {
	// WriteMessages writes the provided messages.
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	// Close flushes pending writes and closes the writer.
	Close() error
}

// PublisherConfig represents the event publisher configuration.
type PublisherConfig struct {
	// Writer writes event messages, events are only logged when unset.
	Writer MessageWriter
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *PublisherConfig) Validate() error {
	var errs error

	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Publisher publishes engine events.
type Publisher struct {
	cfg    *PublisherConfig
	events chan shared.Event
}

// NewKafkaWriter initializes a new kafka writer for the provided topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}, nil
}

// NewPublisher initializes a new event publisher.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating publisher config: %w", err)
	}

	return &Publisher{
		cfg:    cfg,
		events: make(chan shared.Event, bufferSize),
	}, nil
}

// SendEvent relays the provided event for publishing.
func (p *Publisher) SendEvent(event shared.Event) {
	select {
	case p.events <- event:
		// do nothing.
	default:
		p.cfg.Logger.Error().Msgf("event channel at capacity: %d/%d", len(p.events), bufferSize)
	}
}

// message encodes the provided event. Events are keyed by market so a market's events
// stay ordered.
func message(event shared.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding %s event: %w", event.Kind.String(), err)
	}

	return kafka.Message{
		Key:   []byte(event.Market),
		Value: value,
		Time:  event.CreatedOn,
	}, nil
}

// publish publishes the provided event.
func (p *Publisher) publish(ctx context.Context, event shared.Event) {
	p.cfg.Logger.Info().Msgf("%s: %s %s", event.Kind.String(), event.Market, event.Message)
	if p.cfg.Writer == nil {
		return
	}

	msg, err := message(event)
	if err != nil {
		p.cfg.Logger.Error().Msgf("%v", err)
		return
	}
	if err := p.cfg.Writer.WriteMessages(ctx, msg); err != nil {
		p.cfg.Logger.Error().Msgf("publishing %s event: %v", event.Kind.String(), err)
	}
}

// Run manages the lifecycle processes of the event publisher.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case event := <-p.events:
			p.publish(ctx, event)
		}
	}
}

// drain publishes the queued events and closes the writer.
func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-p.events:
			p.publish(ctx, event)
			continue
		default:
		}
		break
	}

	if p.cfg.Writer != nil {
		if err := p.cfg.Writer.Close(); err != nil {
			p.cfg.Logger.Error().Msgf("closing event writer: %v", err)
		}
	}
}
