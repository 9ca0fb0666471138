package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/botfleet/botfleet-back/internal/domain"
)

type countingHandler struct {
	mu       sync.Mutex
	attempts []int
	fail     func(call int) error
	done     chan struct{}
}

func newCountingHandler(fail func(call int) error) *countingHandler {
	return &countingHandler{fail: fail, done: make(chan struct{}, 16)}
}

func (h *countingHandler) handle(_ context.Context, message domain.QueueMessage) error {
	h.mu.Lock()
	call := len(h.attempts)
	h.attempts = append(h.attempts, message.Attempt)
	h.mu.Unlock()
	err := h.fail(call)
	h.done <- struct{}{}
	return err
}

func (h *countingHandler) seenAttempts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.attempts...)
}

func (h *countingHandler) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for handler call %d of %d", i+1, n)
		}
	}
}

func startConsume(t *testing.T, q *LocalQueue, handler *countingHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Consume(ctx, handler.handle) }()
	t.Cleanup(cancel)
}

func TestLocalQueueRequeuesWithIncrementedAttempt(t *testing.T) {
	q := NewLocalQueue(8, 3, nil)
	handler := newCountingHandler(func(call int) error {
		if call == 0 {
			return errors.New("transient failure")
		}
		return nil
	})
	startConsume(t, q, handler)

	if err := q.Enqueue(context.Background(), domain.QueueMessage{UserMessageID: "m-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler.waitCalls(t, 2)
	attempts := handler.seenAttempts()
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Fatalf("expected attempts [0 1], got %v", attempts)
	}
	if q.DLQSize() != 0 {
		t.Fatalf("recovered message must not reach the DLQ, size %d", q.DLQSize())
	}
}

func TestLocalQueuePermanentErrorSkipsRetries(t *testing.T) {
	q := NewLocalQueue(8, 3, nil)
	handler := newCountingHandler(func(int) error {
		return Permanent(errors.New("credentials rejected"))
	})
	startConsume(t, q, handler)

	if err := q.Enqueue(context.Background(), domain.QueueMessage{UserMessageID: "m-dead"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler.waitCalls(t, 1)
	deadline := time.Now().Add(2 * time.Second)
	for q.DLQSize() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("permanent failure never reached the DLQ")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// No retry may arrive after the DLQ routing.
	select {
	case <-handler.done:
		t.Fatal("permanent failure must not be retried")
	case <-time.After(700 * time.Millisecond):
	}
	if got := len(handler.seenAttempts()); got != 1 {
		t.Fatalf("expected a single delivery, got %d", got)
	}
}

func TestLocalQueueExhaustedAttemptsLandInDLQ(t *testing.T) {
	q := NewLocalQueue(8, 2, nil)
	handler := newCountingHandler(func(int) error {
		return errors.New("still broken")
	})
	startConsume(t, q, handler)

	if err := q.Enqueue(context.Background(), domain.QueueMessage{UserMessageID: "m-stuck"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler.waitCalls(t, 2)
	deadline := time.Now().Add(2 * time.Second)
	for q.DLQSize() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("exhausted message never reached the DLQ")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(handler.seenAttempts()); got != 2 {
		t.Fatalf("expected exactly maxAttempts deliveries, got %d", got)
	}
}
