package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"intake/pkg/sentinel"
)

// KafkaBroker carries jobs over Kafka with manual commits: a record is
// committed only after Ack, so redelivery after a crash is guaranteed
// (at-least-once). Nack with deadLetter produces to the DLQ topic and
// commits the original.
type KafkaBroker struct {
	client   *kgo.Client
	topic    string
	dlqTopic string

	mu      sync.Mutex
	pending map[*kgo.Record]struct{}
	buffer  []*kgo.Record
}

// KafkaConfig configures the transport.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	DLQTopic string
	Group    string
}

func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaBroker{
		client:   client,
		topic:    cfg.Topic,
		dlqTopic: cfg.DLQTopic,
		pending:  make(map[*kgo.Record]struct{}),
	}, nil
}

func (b *KafkaBroker) Close() { b.client.Close() }

func (b *KafkaBroker) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	record := &kgo.Record{Topic: b.topic, Key: []byte(job.MessageID), Value: payload}
	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce job: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (b *KafkaBroker) Dequeue(ctx context.Context) (Job, AckToken, error) {
	for {
		b.mu.Lock()
		if len(b.buffer) > 0 {
			record := b.buffer[0]
			b.buffer = b.buffer[1:]
			b.pending[record] = struct{}{}
			b.mu.Unlock()

			var job Job
			if err := json.Unmarshal(record.Value, &job); err != nil {
				// Poison record: divert to DLQ and keep consuming.
				_ = b.Nack(ctx, record, true)
				continue
			}
			return job, record, nil
		}
		b.mu.Unlock()

		fetches := b.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return Job{}, nil, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return Job{}, nil, fmt.Errorf("kafka fetch: %w: %v", sentinel.ErrUnavailable, errs[0].Err)
		}
		b.mu.Lock()
		fetches.EachRecord(func(r *kgo.Record) {
			b.buffer = append(b.buffer, r)
		})
		b.mu.Unlock()
	}
}

func (b *KafkaBroker) Ack(ctx context.Context, token AckToken) error {
	record, ok := token.(*kgo.Record)
	if !ok {
		return fmt.Errorf("invalid ack token")
	}
	b.mu.Lock()
	delete(b.pending, record)
	b.mu.Unlock()
	if err := b.client.CommitRecords(ctx, record); err != nil {
		return fmt.Errorf("commit record: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (b *KafkaBroker) Nack(ctx context.Context, token AckToken, deadLetter bool) error {
	record, ok := token.(*kgo.Record)
	if !ok {
		return fmt.Errorf("invalid ack token")
	}
	b.mu.Lock()
	delete(b.pending, record)
	b.mu.Unlock()

	if !deadLetter {
		// Leave uncommitted; the group rebalance or restart redelivers.
		return nil
	}
	dlq := &kgo.Record{Topic: b.dlqTopic, Key: record.Key, Value: record.Value}
	if err := b.client.ProduceSync(ctx, dlq).FirstErr(); err != nil {
		return fmt.Errorf("produce dead letter: %w: %w", sentinel.ErrUnavailable, err)
	}
	if err := b.client.CommitRecords(ctx, record); err != nil {
		return fmt.Errorf("commit dead-lettered record: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
