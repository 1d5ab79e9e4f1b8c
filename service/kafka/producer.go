package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"deskchat/logger"
	"deskchat/module/chat/service"
	"deskchat/service/metrics"

	"github.com/Shopify/sarama"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventProducer publishes chat.message.created records keyed by room.
type EventProducer struct {
	prod   sarama.SyncProducer
	client sarama.Client
	topic  string
}

// NewEventProducer connects to the brokers and optionally makes sure the topic exists.
func NewEventProducer(c Config) (*EventProducer, error) {
	c.norm()
	cfg, err := BuildProducerConfig(c)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kafka config")
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kafka client")
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, pkgerrors.Wrap(err, "kafka admin")
		}
		if err := EnsureTopic(admin, c); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, pkgerrors.Wrap(err, "kafka sync producer")
	}
	return &EventProducer{prod: prod, client: client, topic: c.Topic}, nil
}

// NewEventProducerWith wraps an existing producer (tests, shared clients).
func NewEventProducerWith(prod sarama.SyncProducer, topic string) *EventProducer {
	if topic == "" {
		topic = DefaultMessageTopic
	}
	return &EventProducer{prod: prod, topic: topic}
}

func (p *EventProducer) PublishMessageCreated(_ context.Context, ev *service.MessageEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal message event")
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.RoomID, 10)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte("chat.message.created")},
		},
	}
	partition, offset, err := p.prod.SendMessage(msg)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("error").Inc()
		return pkgerrors.Wrap(err, "kafka send")
	}
	metrics.EventsTotal.WithLabelValues("ok").Inc()
	logger.Debug("[Kafka] message event sent",
		zap.String("topic", p.topic), zap.Int32("partition", partition), zap.Int64("offset", offset),
		zap.Int64("roomId", ev.RoomID), zap.Int64("seq", ev.MessageSeq))
	return nil
}

func (p *EventProducer) Close() error {
	err := p.prod.Close()
	if p.client != nil && !p.client.Closed() {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
