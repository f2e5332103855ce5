package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

// Writer performs the single external side effect of a dispatch: annotating
// the ticket in the ticketing system.
type Writer func(ctx context.Context) error

// Guard serializes dispatch attempts per idempotency key so that duplicate
// webhook deliveries produce at most one external write. The ledger is the
// only mutable shared state; its unique constraint backs the in-process lock
// for the multi-process case.
type Guard struct {
	db    *sql.DB
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func NewGuard(db *sql.DB) *Guard {
	return &Guard{db: db, locks: make(map[string]*keyLock)}
}

// Attempt runs writer at most once per idempotency key.
//   - existing ledger record: "already-dispatched", writer not invoked
//   - writer succeeds: record appended, "dispatched"
//   - writer fails: nothing recorded, "failed" with the error; safe to retry
func (g *Guard) Attempt(ctx context.Context, ticketID int64, key, category string, writer Writer) (domain.DispatchOutcome, error) {
	lock := g.acquire(key)
	defer g.release(key, lock)

	if _, err := sqlite.GetDispatchRecord(g.db, key); err == nil {
		log.Printf("dispatch duplicate ticket=%d key=%s", ticketID, key)
		return domain.OutcomeAlreadyDispatched, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return domain.OutcomeFailed, err
	}

	if err := writer(ctx); err != nil {
		return domain.OutcomeFailed, err
	}

	err := sqlite.InsertDispatchRecord(g.db, domain.DispatchRecord{
		TicketID:       ticketID,
		IdempotencyKey: key,
		Category:       category,
		Outcome:        string(domain.OutcomeDispatched),
	})
	if errors.Is(err, sqlite.ErrDuplicateKey) {
		// Another process won the race between our ledger check and insert.
		log.Printf("dispatch lost ledger race ticket=%d key=%s", ticketID, key)
		return domain.OutcomeAlreadyDispatched, nil
	}
	if err != nil {
		// The external write happened but the ledger append failed. Surface
		// the error; the record's absence means a retry would re-annotate,
		// which the ticketing side tolerates (private notes are additive).
		return domain.OutcomeDispatched, err
	}
	log.Printf("dispatch done ticket=%d key=%s category=%s", ticketID, key, category)
	return domain.OutcomeDispatched, nil
}

func (g *Guard) acquire(key string) *keyLock {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()
	l.Lock()
	return l
}

func (g *Guard) release(key string, l *keyLock) {
	l.Unlock()
	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, key)
	}
	g.mu.Unlock()
}
