package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/integrations/zendesk"
)

// Triager runs the full pipeline for one ticket: fetch, classify, route,
// dispatch. The webhook server only translates HTTP to and from it.
type Triager interface {
	ProcessTicket(ctx context.Context, ticketID int64) (domain.ClassificationResult, domain.DispatchOutcome, error)
}

type Server struct {
	triager Triager
	secret  string
}

func NewServer(triager Triager, secret string) *Server {
	return &Server{triager: triager, secret: secret}
}

type ticketPayload struct {
	TicketID int64 `json:"ticket_id"`
}

type triageResponse struct {
	Status         string                       `json:"status"`
	Outcome        string                       `json:"outcome,omitempty"`
	Classification *domain.ClassificationResult `json:"classification,omitempty"`
	Error          string                       `json:"error,omitempty"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/ticket", s.handleTicket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("webhook listening addr=%s", addr)
	return srv.ListenAndServe()
}

// handleTicket accepts a ticket-updated notification and runs triage inline.
// Duplicate deliveries are expected from the ticketing system and answer 200
// with outcome "already-dispatched"; only retryable failures answer 5xx so the
// sender redelivers.
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, triageResponse{Status: "error", Error: "method not allowed"})
		return
	}
	if !s.authorized(r) {
		log.Printf("webhook unauthorized request=%s remote=%s", requestID, r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, triageResponse{Status: "error", Error: "unauthorized"})
		return
	}

	var payload ticketPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.TicketID <= 0 {
		log.Printf("webhook bad payload request=%s err=%v", requestID, err)
		writeJSON(w, http.StatusBadRequest, triageResponse{Status: "error", Error: "invalid payload, expected {\"ticket_id\": n}"})
		return
	}

	log.Printf("webhook received request=%s ticket=%d", requestID, payload.TicketID)

	result, outcome, err := s.triager.ProcessTicket(r.Context(), payload.TicketID)
	if err != nil {
		switch {
		case errors.Is(err, zendesk.ErrNotFound):
			writeJSON(w, http.StatusNotFound, triageResponse{Status: "error", Error: "ticket not found"})
		case errors.Is(err, zendesk.ErrUnauthorized):
			// Our credentials, not the caller's. Still terminal for this delivery.
			writeJSON(w, http.StatusBadGateway, triageResponse{Status: "error", Error: "ticketing system rejected credentials"})
		default:
			log.Printf("webhook triage error request=%s ticket=%d err=%v", requestID, payload.TicketID, err)
			writeJSON(w, http.StatusInternalServerError, triageResponse{Status: "error", Outcome: string(outcome), Error: err.Error()})
		}
		return
	}

	log.Printf("webhook done request=%s ticket=%d category=%s confidence=%d outcome=%s",
		requestID, payload.TicketID, result.Category, result.Confidence, outcome)
	writeJSON(w, http.StatusOK, triageResponse{Status: "ok", Outcome: string(outcome), Classification: &result})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body triageResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("webhook response encode error: %v", err)
	}
}
