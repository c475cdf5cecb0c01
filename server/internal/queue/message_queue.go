package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("queue stopped")

// A batch waiting for a worker.
type Job struct {
	BatchID string
	// restricts the run to these urls, empty means every runnable request
	URLs []string
}

type Handler func(ctx context.Context, job Job)

type MessageQueue struct {
	concurrency int
	batchQueue  chan Job
	handler     Handler
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewMessageQueue(size int) (*MessageQueue, error) {
	if size <= 0 {
		return nil, errors.New("invalid queue size")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MessageQueue{
		concurrency: size,
		batchQueue:  make(chan Job, size*2),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish blocks until a slot is free in the queue or the queue is stopped.
func (m *MessageQueue) Publish(ctx context.Context, job Job) error {
	if m.ctx.Err() != nil {
		return ErrStopped
	}

	select {
	case m.batchQueue <- job:
		slog.Info("published batch", slog.String("batch", job.BatchID), slog.Int("urls", len(job.URLs)))
		return nil
	case <-m.ctx.Done():
		slog.Warn("queue stopped, dropping batch", slog.String("batch", job.BatchID))
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetupConsumers starts N parallel workers. Every worker owns one batch at a
// time and runs it to completion.
func (m *MessageQueue) SetupConsumers(handler Handler) {
	m.handler = handler

	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		go m.batchWorker(i)
	}
}

func (m *MessageQueue) batchWorker(workerId int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.batchQueue:
			slog.Info("batch worker started",
				slog.Int("worker", workerId),
				slog.String("batch", job.BatchID),
			)

			m.handler(m.ctx, job)
		}
	}
}

// Pending is the number of batches waiting for a worker.
func (m *MessageQueue) Pending() int { return len(m.batchQueue) }

// Stop cancels the running batches and waits for the workers to return.
func (m *MessageQueue) Stop() {
	m.cancel()
	m.wg.Wait()
}
