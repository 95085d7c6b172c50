package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and subject layout. Protocol events and block ticks live in
// separate streams: events are consumed strictly in order by a single
// consumer, block ticks only trigger sampling and scans.
const (
	EventStreamName = "BLUE_EVENTS"
	EventSubjects   = "blue.events.>"

	BlockStreamName = "BLUE_BLOCKS"
	BlockSubjects   = "blue.blocks.>"

	eventConsumerName = "blueledger-events"
	blockConsumerName = "blueledger-blocks"
)

// RawEvent is a NATS message ready for the shell to parse into a typed
// event.Event before handing it to the projector.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// NATSSubscriber feeds protocol events and block ticks from JetStream into
// their channels. All protocol events flow through one durable consumer so
// delivery preserves the global (block, logIndex) order of the stream.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	blockChan chan<- RawEvent
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan, blockChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		blockChan: blockChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumers. Explicit ACK, max_deliver=5,
// ack_wait=30s; the event consumer additionally caps in-flight messages at 1
// so redeliveries can never overtake later events.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	if err := ns.consume(ctx, EventStreamName, jetstream.ConsumerConfig{
		Durable:       eventConsumerName,
		FilterSubject: EventSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}, ns.eventChan); err != nil {
		return err
	}

	return ns.consume(ctx, BlockStreamName, jetstream.ConsumerConfig{
		Durable:       blockConsumerName,
		FilterSubject: BlockSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}, ns.blockChan)
}

func (ns *NATSSubscriber) consume(ctx context.Context, stream string, cfg jetstream.ConsumerConfig, out chan<- RawEvent) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}

		select {
		case out <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	ns.consumers = append(ns.consumers, consumerContext)
	ns.logger.Info().
		Str("stream", stream).
		Str("consumer", cfg.Durable).
		Str("subject", cfg.FilterSubject).
		Msg("subscribed")
	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStreamName,
			Subjects:  []string{EventSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      BlockStreamName,
			Subjects:  []string{BlockSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
