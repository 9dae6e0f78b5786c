package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type testWriter struct {
	mtx    sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *testWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *testWriter) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) messages() []kafka.Message {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestNewKafkaWriter(t *testing.T) {
	_, err := NewKafkaWriter(nil, "events")
	assert.Error(t, err)
	_, err = NewKafkaWriter([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	writer, err := NewKafkaWriter([]string{"localhost:9092"}, "events")
	assert.NoError(t, err)
	assert.Equal(t, writer.Topic, "events")
}

func TestPublisher(t *testing.T) {
	_, err := NewPublisher(&PublisherConfig{})
	assert.Error(t, err)

	writer := &testWriter{}
	publisher, err := NewPublisher(&PublisherConfig{Writer: writer, Logger: &log.Logger})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		publisher.Run(ctx)
		close(done)
	}()

	tf := shared.FiveMinute
	publisher.SendEvent(shared.Event{
		Kind:      shared.EngineDegraded,
		Market:    "BTCUSD",
		Timeframe: &tf,
		Message:   "timeframe cold for 5 updates",
		CreatedOn: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
	})
	publisher.SendEvent(shared.Event{
		Kind:       shared.PositionClosed,
		Market:     "ETHUSD",
		PositionID: "p1",
		ExitReason: "target hit",
		RealizedPL: 30,
	})

	// Ensure queued events are published before the writer is closed.
	cancel()
	<-done

	msgs := writer.messages()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, string(msgs[0].Key), "BTCUSD")
	assert.True(t, writer.closed)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, decoded["kind"].(string), "engine degraded")
	assert.Equal(t, decoded["timeframe"].(string), tf.String())

	assert.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, decoded["positionId"].(string), "p1")
	assert.Equal(t, decoded["realizedPnl"].(float64), float64(30))
}

func TestPublisherWriteErrors(t *testing.T) {
	writer := &testWriter{err: errors.New("broker unavailable")}
	publisher, err := NewPublisher(&PublisherConfig{Writer: writer, Logger: &log.Logger})
	assert.NoError(t, err)

	// Ensure write failures are logged, not fatal.
	publisher.publish(context.Background(), shared.Event{Kind: shared.RiskLimitBreach, Message: "daily loss"})
	assert.Equal(t, len(writer.messages()), 0)

	// Ensure events are only logged without a writer.
	bare, err := NewPublisher(&PublisherConfig{Logger: &log.Logger})
	assert.NoError(t, err)
	bare.publish(context.Background(), shared.Event{Kind: shared.RiskLimitBreach, Message: "daily loss"})
}
