package repository

import (
	"context"
	"testing"

	"github.com/botfleet/botfleet-back/internal/domain"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, "msg-1")
	if err != nil {
		t.Fatalf("first get-or-create failed: %v", err)
	}
	if first.Status != domain.ProcessingReceived || first.Attempts != 0 {
		t.Fatalf("unexpected fresh state: status=%s attempts=%d", first.Status, first.Attempts)
	}

	if err := repo.MarkProcessing(ctx, "msg-1"); err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}

	second, err := repo.GetOrCreate(ctx, "msg-1")
	if err != nil {
		t.Fatalf("second get-or-create failed: %v", err)
	}
	if second.Status != domain.ProcessingInProgress || second.Attempts != 1 {
		t.Fatalf("get-or-create must return the existing record, got status=%s attempts=%d", second.Status, second.Attempts)
	}
}

func TestAttemptsIncrementOnEveryProcessingTransition(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "msg-1"); err != nil {
		t.Fatalf("get-or-create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.MarkProcessing(ctx, "msg-1"); err != nil {
			t.Fatalf("mark processing failed: %v", err)
		}
	}

	state, err := repo.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", state.Attempts)
	}
}

func TestCompletedNeverRegresses(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "msg-1"); err != nil {
		t.Fatalf("get-or-create failed: %v", err)
	}
	if err := repo.MarkCompleted(ctx, "msg-1"); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}

	_ = repo.MarkProcessing(ctx, "msg-1")
	_ = repo.MarkFailed(ctx, "msg-1", "late failure")
	_ = repo.MarkTerminal(ctx, "msg-1", "late terminal")

	state, err := repo.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Status != domain.ProcessingCompleted {
		t.Fatalf("completed state regressed to %s", state.Status)
	}
}

func TestTerminalIsIdempotentAndAbsorbing(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	if err := repo.MarkTerminal(ctx, "msg-1", "missing thread"); err != nil {
		t.Fatalf("first mark terminal failed: %v", err)
	}
	if err := repo.MarkTerminal(ctx, "msg-1", "missing thread"); err != nil {
		t.Fatalf("second mark terminal failed: %v", err)
	}
	if err := repo.MarkCompleted(ctx, "msg-1"); err != nil {
		t.Fatalf("mark completed on terminal should be a no-op, got: %v", err)
	}

	state, err := repo.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Status != domain.ProcessingTerminal {
		t.Fatalf("terminal state regressed to %s", state.Status)
	}
	if state.TerminalReason != "missing thread" {
		t.Fatalf("unexpected terminal reason %q", state.TerminalReason)
	}
}

func TestMarkFailedUpsertsMissingRecord(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	if err := repo.MarkFailed(ctx, "msg-early", "failed before state existed"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	state, err := repo.Get(ctx, "msg-early")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Status != domain.ProcessingFailed || state.Attempts != 1 {
		t.Fatalf("unexpected upserted state: status=%s attempts=%d", state.Status, state.Attempts)
	}
	if state.LastErrorAt == nil {
		t.Fatalf("expected last error timestamp")
	}
}

func TestFindFailedReturnsOldestFirst(t *testing.T) {
	repo := NewMemoryProcessingRepository()
	ctx := context.Background()

	_ = repo.MarkFailed(ctx, "msg-a", "boom")
	_ = repo.MarkFailed(ctx, "msg-b", "boom")
	_ = repo.MarkTerminal(ctx, "msg-c", "dead")

	failed, err := repo.FindFailed(ctx, 10)
	if err != nil {
		t.Fatalf("find failed errored: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed records, got %d", len(failed))
	}
	for _, state := range failed {
		if state.Status != domain.ProcessingFailed {
			t.Fatalf("unexpected status %s in failed listing", state.Status)
		}
	}
}
