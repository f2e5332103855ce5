package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Ticket is the immutable classification input. It is owned by the external
// ticketing system; the pipeline only reads it.
type Ticket struct {
	ID       int64
	Subject  string
	Body     string
	Thread   []ThreadMessage
	Language string
}

type ThreadMessage struct {
	Role    string // "Customer" or "Support Staff"
	Message string
}

// Text returns the ticket as a single query string, thread included.
func (t Ticket) Text() string {
	out := t.Subject + "\n\n" + t.Body
	for _, m := range t.Thread {
		out += "\n\n---\n\n" + m.Role + ":\n" + m.Message
	}
	return out
}

// ContentHash identifies the ticket content at classification time. Dispatch
// idempotency keys are derived from it, so a retry after the customer added a
// new message is a fresh dispatch, not a duplicate.
func (t Ticket) ContentHash() string {
	sum := sha256.Sum256([]byte(t.Subject + "\n" + t.Body))
	return hex.EncodeToString(sum[:])[:16]
}

// IdempotencyKey derives the dispatch key from ticket id + content hash.
func (t Ticket) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s", t.ID, t.ContentHash())
}

// SimilarityMatch is one retrieved neighbor: a historical ticket with a
// resolved category label and a similarity score in [0,1].
type SimilarityMatch struct {
	TicketID string
	Category string
	Score    float64
	Snippet  string
}

// CategoryEvidence is the accumulated signal for one category.
type CategoryEvidence struct {
	KeywordScore  float64
	NeighborScore float64
	Combined      float64
	MatchIDs      []string
	KeywordHits   []string
}

// EvidenceVector maps every taxonomy category to its accumulated evidence.
// Invariant: every category in the taxonomy has an entry, zero-filled when no
// signal was found. Degraded is set when the retriever was unavailable and
// only keyword signal contributed.
type EvidenceVector struct {
	Scores   map[string]CategoryEvidence
	Degraded bool
}

// ClassificationResult is the terminal artifact of the decision engine.
// Invariant: Confidence < 70 implies Category == "miscellaneous"; Uncertain is
// set iff 70 <= Confidence < 80.
type ClassificationResult struct {
	Category        string   `json:"classification"`
	Confidence      int      `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	SemanticMatches []string `json:"semantic_matches"`
	KeyIndicators   []string `json:"key_indicators"`
	Alternatives    []string `json:"alternative_categories"`
	Uncertain       bool     `json:"uncertainty_flag"`
	RoutingPriority string   `json:"routing_priority"`
	Degraded        bool     `json:"-"`
}

// RoutingDecision is the resolved handling target for a classified ticket.
type RoutingDecision struct {
	Priority string // "high", "medium", or "low"
	Team     string
}

// DispatchOutcome is the result of one dispatch attempt.
type DispatchOutcome string

const (
	OutcomeDispatched        DispatchOutcome = "dispatched"
	OutcomeAlreadyDispatched DispatchOutcome = "already-dispatched"
	OutcomeFailed            DispatchOutcome = "failed"
)

// DispatchRecord is one row of the idempotency ledger. Append-only.
type DispatchRecord struct {
	ID             int64
	TicketID       int64
	IdempotencyKey string
	Category       string
	Outcome        string
	DispatchedAt   time.Time
}

// ClassificationRecord is one row of the classification history used by the
// offline stats.
type ClassificationRecord struct {
	ID           int64
	TicketID     int64
	Category     string
	Confidence   int
	Uncertain    bool
	Degraded     bool
	LLMProvider  string
	LLMModel     string
	ClassifiedAt time.Time
}

// LabeledTicket is one entry of the retriever corpus: a historical ticket
// whose category was resolved by a human.
type LabeledTicket struct {
	ID        int64
	TicketRef string
	Text      string
	Category  string
	AddedAt   time.Time
}
