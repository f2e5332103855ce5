package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

func newTestGuard(t *testing.T) (*Guard, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "guard-test.db")
	db, err := sqlite.InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewGuard(db), db
}

func TestAttemptDispatchesOnce(t *testing.T) {
	guard, db := newTestGuard(t)
	ctx := context.Background()

	writes := 0
	writer := func(ctx context.Context) error {
		writes++
		return nil
	}

	outcome, err := guard.Attempt(ctx, 1, "1:aaaa", "refund", writer)
	if err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}
	if outcome != domain.OutcomeDispatched {
		t.Fatalf("expected dispatched, got %s", outcome)
	}

	outcome, err = guard.Attempt(ctx, 1, "1:aaaa", "refund", writer)
	if err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if outcome != domain.OutcomeAlreadyDispatched {
		t.Fatalf("expected already-dispatched, got %s", outcome)
	}
	if writes != 1 {
		t.Fatalf("expected exactly one external write, got %d", writes)
	}

	n, err := sqlite.CountDispatchRecords(db, 1)
	if err != nil {
		t.Fatalf("CountDispatchRecords failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
}

func TestAttemptWriterFailureIsRetryable(t *testing.T) {
	guard, db := newTestGuard(t)
	ctx := context.Background()

	boom := errors.New("annotation failed")
	outcome, err := guard.Attempt(ctx, 2, "2:bbbb", "invoice", func(ctx context.Context) error {
		return boom
	})
	if outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected writer error surfaced, got %v", err)
	}

	// Nothing recorded: a retry is a fresh dispatch, not a false duplicate.
	n, err := sqlite.CountDispatchRecords(db, 2)
	if err != nil {
		t.Fatalf("CountDispatchRecords failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty ledger after failed write, got %d rows", n)
	}

	outcome, err = guard.Attempt(ctx, 2, "2:bbbb", "invoice", func(ctx context.Context) error {
		return nil
	})
	if err != nil || outcome != domain.OutcomeDispatched {
		t.Fatalf("retry should dispatch, got %s err=%v", outcome, err)
	}
}

func TestAttemptChangedContentIsFreshDispatch(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	first := domain.Ticket{ID: 3, Subject: "help", Body: "original"}
	second := domain.Ticket{ID: 3, Subject: "help", Body: "original plus a new customer message"}
	if first.IdempotencyKey() == second.IdempotencyKey() {
		t.Fatal("content change must change the idempotency key")
	}

	for _, tk := range []domain.Ticket{first, second} {
		outcome, err := guard.Attempt(ctx, tk.ID, tk.IdempotencyKey(), "refund", func(ctx context.Context) error { return nil })
		if err != nil || outcome != domain.OutcomeDispatched {
			t.Fatalf("expected dispatched for key %s, got %s err=%v", tk.IdempotencyKey(), outcome, err)
		}
	}
}

func TestConcurrentAttemptsSerializePerKey(t *testing.T) {
	guard, db := newTestGuard(t)
	ctx := context.Background()

	const attempts = 16
	var writes atomic.Int64
	outcomes := make([]domain.DispatchOutcome, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := guard.Attempt(ctx, 7, "7:cccc", "refund", func(ctx context.Context) error {
				writes.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("attempt %d failed: %v", i, err)
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	dispatched := 0
	for _, o := range outcomes {
		switch o {
		case domain.OutcomeDispatched:
			dispatched++
		case domain.OutcomeAlreadyDispatched:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if dispatched != 1 {
		t.Fatalf("expected exactly one dispatched outcome, got %d", dispatched)
	}
	if writes.Load() != 1 {
		t.Fatalf("expected exactly one external write, got %d", writes.Load())
	}

	n, err := sqlite.CountDispatchRecords(db, 7)
	if err != nil {
		t.Fatalf("CountDispatchRecords failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one ledger record, got %d", n)
	}
}
