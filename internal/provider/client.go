package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/pacer/internal/metrics"
)

// Error is a failed provider call
type Error struct {
	Op         string
	StatusCode int
	Temporary  bool
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
}

func (e *Error) IsTemporary() bool {
	return e.Temporary
}

// CompanyInput is the company data sent for classification
type CompanyInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Keywords    string `json:"keywords,omitempty"`
	Description string `json:"description,omitempty"`
}

// Classification is the provider's verdict for one company
type Classification struct {
	Specialization string  `json:"specialization"`
	Score          int     `json:"score"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	NeedsReview    bool    `json:"needs_review"`
}

// PersonInput is the person data sent for persona verification
type PersonInput struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Departments []string `json:"departments,omitempty"`
	Seniority   string   `json:"seniority,omitempty"`
}

type Decision string

const (
	DecisionPositive    Decision = "positive"
	DecisionConditional Decision = "conditional"
	DecisionNegative    Decision = "negative"
)

// Verification is the provider's verdict for one person
type Verification struct {
	Decision Decision `json:"decision"`
	Score    float64  `json:"score"`
	Reason   string   `json:"reason"`
}

// Config configures the HTTP provider client
type Config struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond throttles calls; zero means unlimited
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls the classification provider over JSON/HTTP
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Classify assigns a specialization to a company
func (c *Client) Classify(ctx context.Context, in CompanyInput) (*Classification, error) {
	var out Classification
	if err := c.call(ctx, "classify", in, &out); err != nil {
		return nil, err
	}
	if out.Specialization == "" {
		return nil, &Error{Op: "classify", Message: "empty specialization in response"}
	}
	return &out, nil
}

// Verify decides whether a person matches the target persona
func (c *Client) Verify(ctx context.Context, in PersonInput) (*Verification, error) {
	var out Verification
	if err := c.call(ctx, "verify", in, &out); err != nil {
		return nil, err
	}
	switch out.Decision {
	case DecisionPositive, DecisionConditional, DecisionNegative:
	default:
		return nil, &Error{Op: "verify", Message: fmt.Sprintf("unknown decision %q", out.Decision)}
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, op string, in, out any) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.IncProviderRequest(op, status)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider %s: %w", op, err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &Error{Op: op, Temporary: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Temporary: true, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Temporary:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}
