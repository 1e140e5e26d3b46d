package broker

import (
	"context"
	"sync"
)

// InMemoryBroker is the test transport: a buffered queue with redelivery on
// nack and a visible dead-letter list.
type InMemoryBroker struct {
	mu         sync.Mutex
	queue      chan Job
	deadLetter []Job
}

func NewInMemoryBroker(capacity int) *InMemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryBroker{queue: make(chan Job, capacity)}
}

func (b *InMemoryBroker) Enqueue(ctx context.Context, job Job) error {
	select {
	case b.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InMemoryBroker) Dequeue(ctx context.Context) (Job, AckToken, error) {
	select {
	case job := <-b.queue:
		return job, job, nil
	case <-ctx.Done():
		return Job{}, nil, ctx.Err()
	}
}

func (b *InMemoryBroker) Ack(context.Context, AckToken) error { return nil }

func (b *InMemoryBroker) Nack(ctx context.Context, token AckToken, deadLetter bool) error {
	job, ok := token.(Job)
	if !ok {
		return nil
	}
	if deadLetter {
		b.mu.Lock()
		b.deadLetter = append(b.deadLetter, job)
		b.mu.Unlock()
		return nil
	}
	job.Attempt++
	return b.Enqueue(ctx, job)
}

// DeadLetters returns a copy of the dead-letter list.
func (b *InMemoryBroker) DeadLetters() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.deadLetter...)
}
