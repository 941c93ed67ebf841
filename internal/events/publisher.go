// Package events publishes transcript events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
)

// Transcript is the payload of both partial and final events
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Mode       string    `json:"mode"` // echo or held
	Final      bool      `json:"final"`
	Speaker    string    `json:"speaker"`
	Sentence   string    `json:"sentence,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes partial and final transcripts to separate topics. When
// Kafka is disabled events are only logged.
type Publisher struct {
	writerPartial MessageWriter
	writerFinal   MessageWriter
	topicPartial  string
	topicFinal    string
	enabled       bool
	logger        zerolog.Logger
}

// New creates a publisher from the Kafka configuration
func New(cfg config.Kafka, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		logger:       logger,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_partial", cfg.TopicPartial).
		Str("topic_final", cfg.TopicFinal).
		Msg("Kafka publisher initialized")
	return NewWithWriters(cfg, newWriter(cfg.Brokers, cfg.TopicPartial, transport),
		newWriter(cfg.Brokers, cfg.TopicFinal, transport), logger)
}

// NewWithWriters creates an enabled publisher over existing writers
func NewWithWriters(cfg config.Kafka, partial, final MessageWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       true,
		logger:        logger,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // keep one session on one partition
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Enabled reports whether events reach Kafka
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// PublishPartial publishes an in-progress transcript
func (p *Publisher) PublishPartial(ctx context.Context, ev Transcript) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.writerPartial, p.topicPartial, ev)
}

// PublishFinal publishes a finalized sentence
func (p *Publisher) PublishFinal(ctx context.Context, ev Transcript) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.writerFinal, p.topicFinal, ev)
}

func (p *Publisher) publish(ctx context.Context, writer MessageWriter, topic string, ev Transcript) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("topic", topic).
		Str("session_id", ev.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "mode", Value: []byte(ev.Mode)},
		},
	}
	err = writer.WriteMessages(ctx, msg)
	observability.RecordPublish(topic, err)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("session_id", ev.SessionID).
			Msg("Failed to write to Kafka")
		return err
	}
	return nil
}

// Close closes both writers
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
