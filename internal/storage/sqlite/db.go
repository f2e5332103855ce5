package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"triagebot/internal/domain"
)

// ErrDuplicateKey is returned when a ledger insert loses the unique-constraint
// race to a concurrent dispatch for the same idempotency key.
var ErrDuplicateKey = errors.New("dispatch record exists")

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS labeled_tickets (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_ref TEXT NOT NULL UNIQUE,
		text       TEXT NOT NULL,
		category   TEXT NOT NULL,
		added_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_labeled_tickets_category ON labeled_tickets(category);

	CREATE TABLE IF NOT EXISTS dispatch_records (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id       INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		category        TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		dispatched_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_ticket ON dispatch_records(ticket_id);

	CREATE TABLE IF NOT EXISTS classification_history (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id     INTEGER NOT NULL,
		category      TEXT NOT NULL,
		confidence    INTEGER NOT NULL,
		uncertain     INTEGER NOT NULL DEFAULT 0,
		degraded      INTEGER NOT NULL DEFAULT 0,
		llm_provider  TEXT DEFAULT '',
		llm_model     TEXT DEFAULT '',
		classified_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ch_ticket ON classification_history(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_ch_date ON classification_history(classified_at);
	`
	if _, err = db.Exec(schema); err != nil {
		return nil, err
	}
	return db, nil
}

// --- Retriever corpus ---

func UpsertLabeledTicket(db *sql.DB, t domain.LabeledTicket) error {
	_, err := db.Exec(
		`INSERT INTO labeled_tickets (ticket_ref, text, category) VALUES (?, ?, ?)
		 ON CONFLICT(ticket_ref) DO UPDATE SET text = excluded.text, category = excluded.category`,
		t.TicketRef, t.Text, t.Category,
	)
	return err
}

func UpsertLabeledTickets(db *sql.DB, items []domain.LabeledTicket) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO labeled_tickets (ticket_ref, text, category) VALUES (?, ?, ?)
		 ON CONFLICT(ticket_ref) DO UPDATE SET text = excluded.text, category = excluded.category`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, t := range items {
		if _, err := stmt.Exec(t.TicketRef, t.Text, t.Category); err != nil {
			return n, err
		}
		n++
	}
	return n, tx.Commit()
}

func LoadCorpus(db *sql.DB) ([]domain.LabeledTicket, error) {
	rows, err := db.Query(
		`SELECT id, ticket_ref, text, category, added_at FROM labeled_tickets ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LabeledTicket
	for rows.Next() {
		var t domain.LabeledTicket
		if err := rows.Scan(&t.ID, &t.TicketRef, &t.Text, &t.Category, &t.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Idempotency ledger ---

func GetDispatchRecord(db *sql.DB, idempotencyKey string) (domain.DispatchRecord, error) {
	var r domain.DispatchRecord
	err := db.QueryRow(
		`SELECT id, ticket_id, idempotency_key, category, outcome, dispatched_at
		 FROM dispatch_records WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&r.ID, &r.TicketID, &r.IdempotencyKey, &r.Category, &r.Outcome, &r.DispatchedAt)
	return r, err
}

// InsertDispatchRecord appends one ledger row. The UNIQUE constraint on the
// idempotency key makes the check-then-insert race safe: the loser gets
// ErrDuplicateKey instead of a second row.
func InsertDispatchRecord(db *sql.DB, r domain.DispatchRecord) error {
	_, err := db.Exec(
		`INSERT INTO dispatch_records (ticket_id, idempotency_key, category, outcome) VALUES (?, ?, ?, ?)`,
		r.TicketID, r.IdempotencyKey, r.Category, r.Outcome,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func CountDispatchRecords(db *sql.DB, ticketID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM dispatch_records WHERE ticket_id = ?`, ticketID).Scan(&n)
	return n, err
}

// --- Classification history ---

func InsertClassificationRecord(db *sql.DB, r domain.ClassificationRecord) error {
	_, err := db.Exec(
		`INSERT INTO classification_history
		 (ticket_id, category, confidence, uncertain, degraded, llm_provider, llm_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TicketID, r.Category, r.Confidence, boolToInt(r.Uncertain), boolToInt(r.Degraded),
		r.LLMProvider, r.LLMModel,
	)
	return err
}

func GetLatestClassification(db *sql.DB, ticketID int64) (domain.ClassificationRecord, error) {
	var r domain.ClassificationRecord
	var uncertain, degraded int
	err := db.QueryRow(
		`SELECT id, ticket_id, category, confidence, uncertain, degraded, llm_provider, llm_model, classified_at
		 FROM classification_history WHERE ticket_id = ?
		 ORDER BY classified_at DESC, id DESC LIMIT 1`,
		ticketID,
	).Scan(&r.ID, &r.TicketID, &r.Category, &r.Confidence, &uncertain, &degraded,
		&r.LLMProvider, &r.LLMModel, &r.ClassifiedAt)
	r.Uncertain = uncertain != 0
	r.Degraded = degraded != 0
	return r, err
}

type ClassificationStats struct {
	Total         int
	AvgConfidence float64
	Fallbacks     int
	Degraded      int
	BucketBelow70 int
	Bucket70to80  int
	Bucket80to90  int
	Bucket90Plus  int
}

func GetClassificationStats(db *sql.DB, since time.Time) (ClassificationStats, error) {
	var s ClassificationStats
	err := db.QueryRow(
		`SELECT COUNT(*), COALESCE(AVG(confidence), 0),
		        COALESCE(SUM(CASE WHEN category = 'miscellaneous' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(degraded), 0),
		        COALESCE(SUM(CASE WHEN confidence < 70 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence >= 70 AND confidence < 80 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence >= 80 AND confidence < 90 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence >= 90 THEN 1 ELSE 0 END), 0)
		 FROM classification_history WHERE classified_at >= ?`,
		since,
	).Scan(&s.Total, &s.AvgConfidence, &s.Fallbacks, &s.Degraded,
		&s.BucketBelow70, &s.Bucket70to80, &s.Bucket80to90, &s.Bucket90Plus)
	return s, err
}

type CategoryCount struct {
	Category string
	Count    int
}

func GetCategoryBreakdown(db *sql.DB, since time.Time) ([]CategoryCount, error) {
	rows, err := db.Query(
		`SELECT category, COUNT(*) as cnt FROM classification_history
		 WHERE classified_at >= ?
		 GROUP BY category ORDER BY cnt DESC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type WeeklyTrend struct {
	WeekStart       string
	Classifications int
	AvgConfidence   float64
}

func GetWeeklyTrend(db *sql.DB, since time.Time) ([]WeeklyTrend, error) {
	rows, err := db.Query(
		`SELECT
		    strftime('%Y-%m-%d', classified_at, 'weekday 0', '-6 days') as week_start,
		    COUNT(*) as classifications,
		    COALESCE(AVG(confidence), 0) as avg_confidence
		 FROM classification_history
		 WHERE classified_at >= ?
		 GROUP BY week_start
		 ORDER BY week_start DESC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trends []WeeklyTrend
	for rows.Next() {
		var t WeeklyTrend
		if err := rows.Scan(&t.WeekStart, &t.Classifications, &t.AvgConfidence); err != nil {
			return nil, err
		}
		trends = append(trends, t)
	}
	return trends, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
