//go:build integration

package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/broker"
	"intake/pkg/testutil/containers"
)

type KafkaBrokerSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
	broker   *broker.KafkaBroker
}

func TestKafkaBrokerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaBrokerSuite))
}

func (s *KafkaBrokerSuite) SetupSuite() {
	s.redpanda = containers.NewRedpandaContainer(s.T())
	var err error
	s.broker, err = broker.NewKafkaBroker(broker.KafkaConfig{
		Brokers:  s.redpanda.Brokers,
		Topic:    "intake-jobs-test",
		DLQTopic: "intake-jobs-test-dlq",
		Group:    "intake-test",
	})
	s.Require().NoError(err)
}

func (s *KafkaBrokerSuite) TearDownSuite() {
	if s.broker != nil {
		s.broker.Close()
	}
}

func (s *KafkaBrokerSuite) TestEnqueueDequeueAck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	want := broker.Job{MessageID: "m1", RunID: "r1", RawMIMESHA256: "sha256:abc", Source: "imap"}
	s.Require().NoError(s.broker.Enqueue(ctx, want))

	got, token, err := s.broker.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal(want.MessageID, got.MessageID)
	s.Equal(want.RawMIMESHA256, got.RawMIMESHA256)

	s.NoError(s.broker.Ack(ctx, token))
}

func (s *KafkaBrokerSuite) TestNackToDeadLetter() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Require().NoError(s.broker.Enqueue(ctx, broker.Job{MessageID: "m2", RunID: "r1"}))
	_, token, err := s.broker.Dequeue(ctx)
	s.Require().NoError(err)

	s.NoError(s.broker.Nack(ctx, token, true))
}
