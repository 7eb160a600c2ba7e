package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBaseURL is the public Nager.Date API
const DefaultBaseURL = "https://date.nager.at"

// Holiday is a public holiday as returned by Nager.Date
type Holiday struct {
	Date        string   `json:"date"`
	LocalName   string   `json:"localName"`
	Name        string   `json:"name"`
	CountryCode string   `json:"countryCode"`
	Global      bool     `json:"global"`
	Types       []string `json:"types,omitempty"`
}

// Fetcher loads the holidays of a country for a year
type Fetcher interface {
	Fetch(ctx context.Context, year int, country string) ([]Holiday, error)
}

// NagerClient fetches holidays from the Nager.Date API
type NagerClient struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// NewNagerClient creates a new Nager.Date client
func NewNagerClient(baseURL string, timeout time.Duration) *NagerClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NagerClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxElapsed: 30 * time.Second,
	}
}

// Fetch returns the public holidays of country in year.
// Server errors are retried with exponential backoff; client errors are not.
func (c *NagerClient) Fetch(ctx context.Context, year int, country string) ([]Holiday, error) {
	url := fmt.Sprintf("%s/api/v3/PublicHolidays/%d/%s", c.baseURL, year, strings.ToUpper(country))

	var holidays []Holiday
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("holiday API returned %d", resp.StatusCode)
		case resp.StatusCode == http.StatusNoContent:
			holidays = nil
			return nil
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("holiday API returned %d for %s/%d", resp.StatusCode, country, year))
		}

		if err := json.Unmarshal(body, &holidays); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode holidays: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return holidays, nil
}
