package zendesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/httpx"
)

var (
	ErrNotFound     = errors.New("ticket not found")
	ErrUnauthorized = errors.New("zendesk unauthorized")
	ErrUnavailable  = errors.New("zendesk unavailable")
)

const userAgent = "triagebot-zendesk-client/1.0"

// Client talks to the Zendesk ticket API: fetch ticket + comments, write the
// classification back as a private note with routing tags.
type Client struct {
	baseURL  string
	email    string
	apiToken string
	staffIDs []int64
	http     *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:  fmt.Sprintf("https://%s.zendesk.com/api/v2", cfg.ZendeskSubdomain),
		email:    cfg.ZendeskEmail,
		apiToken: cfg.ZendeskAPIToken,
		staffIDs: cfg.SupportStaffIDs,
		http:     httpx.ExternalHTTPClient(),
	}
}

type ticketResponse struct {
	Ticket struct {
		ID          int64  `json:"id"`
		Subject     string `json:"subject"`
		Description string `json:"description"`
	} `json:"ticket"`
}

type commentsResponse struct {
	Comments []ticketComment `json:"comments"`
}

type ticketComment struct {
	AuthorID  int64  `json:"author_id"`
	Public    bool   `json:"public"`
	Body      string `json:"body"`
	PlainBody string `json:"plain_body"`
}

// FetchTicket loads the ticket and its public comments and assembles the
// conversation thread. The first public comment is dropped when it duplicates
// the ticket description.
func (c *Client) FetchTicket(ctx context.Context, ticketID int64) (domain.Ticket, error) {
	var tr ticketResponse
	if err := c.get(ctx, fmt.Sprintf("/tickets/%d.json", ticketID), &tr); err != nil {
		return domain.Ticket{}, err
	}

	var cr commentsResponse
	if err := c.get(ctx, fmt.Sprintf("/tickets/%d/comments.json", ticketID), &cr); err != nil {
		return domain.Ticket{}, err
	}

	t := domain.Ticket{
		ID:      tr.Ticket.ID,
		Subject: tr.Ticket.Subject,
		Body:    tr.Ticket.Description,
	}

	description := strings.TrimSpace(tr.Ticket.Description)
	for i, comment := range cr.Comments {
		if !comment.Public {
			continue
		}
		text := strings.TrimSpace(commentText(comment))
		if text == "" {
			continue
		}
		if i == 0 && text == description {
			continue
		}
		role := "Customer"
		if c.isStaff(comment.AuthorID) {
			role = "Support Staff"
		}
		t.Thread = append(t.Thread, domain.ThreadMessage{Role: role, Message: text})
	}
	return t, nil
}

// Annotate writes the classification as a private comment and appends routing
// tags. This is the single external write the dispatch guard protects.
func (c *Client) Annotate(ctx context.Context, ticketID int64, noteBody string, tags []string) error {
	type comment struct {
		Body   string `json:"body"`
		Public bool   `json:"public"`
	}
	payload := map[string]any{
		"ticket": map[string]any{
			"comment":         comment{Body: noteBody, Public: false},
			"additional_tags": tags,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling annotation: %w", err)
	}
	return c.do(ctx, "PUT", fmt.Sprintf("/tickets/%d.json", ticketID), body, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, "GET", path, nil, out)
}

// do issues one API call with bounded exponential backoff on transient
// failures. 4xx responses are terminal; 429 and 5xx are retried.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.SetBasicAuth(c.email+"/token", c.apiToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			log.Printf("zendesk %s %s error: %v", method, path, err)
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("reading response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Printf("zendesk %s %s status=%d retrying", method, path, resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("zendesk API returned %d: %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
		}
		return nil
	})
}

func commentText(c ticketComment) string {
	if c.PlainBody != "" {
		return c.PlainBody
	}
	return c.Body
}

func (c *Client) isStaff(authorID int64) bool {
	for _, id := range c.staffIDs {
		if id == authorID {
			return true
		}
	}
	return false
}
