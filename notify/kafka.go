// Package notify fans confirmed ledger events out to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// Message is the JSON value of every published record.
type Message struct {
	Kind string `json:"kind"`
	interfaces.LedgerEvent
}

// recordKey keeps the events of one token, or one institution, in one partition.
func recordKey(ev interfaces.LedgerEvent) []byte {
	if ev.Kind == interfaces.EventApprovalChanged {
		return []byte(ev.Institution.Hex())
	}
	return []byte(ev.TokenID.String())
}

// KafkaPublisher is an interfaces.EventSink writing to a Kafka topic.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

var _ interfaces.EventSink = (*KafkaPublisher)(nil)

// NewKafkaPublisher connects to brokers. The topic is created on first use if
// the cluster allows it.
func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, log: log}, nil
}

// Publish writes events in order and waits until every record is acknowledged.
func (p *KafkaPublisher) Publish(ctx context.Context, events []interfaces.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(Message{Kind: ev.Kind.String(), LedgerEvent: ev})
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Key:     recordKey(ev),
			Value:   value,
			Headers: []kgo.RecordHeader{{Key: "kind", Value: []byte(ev.Kind.String())}},
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.log.Debug("Published ledger events", slog.String("topic", p.topic), slog.Int("count", len(records)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
