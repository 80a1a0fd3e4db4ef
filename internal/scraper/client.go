package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	transactionsPath = "/v1/transactions"
	listingsPath     = "/v1/listings"
	classifyPath     = "/v1/classify"
	jobsPath         = "/v1/jobs/"
)

// Options parameterise the scrape-backend client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	JobPollInterval time.Duration
	JobWaitCeiling  time.Duration
	UserAgent       string
}

// Client talks to the scrape backend over HTTP. The backend may answer a
// request immediately or hand back a job id to poll; either shape is
// normalized behind the synchronous Backend contract here, with a bounded
// wait after which the operation is a timeout failure, not "still pending".
type Client struct {
	opts   Options
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient constructs a scrape-backend client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.JobPollInterval <= 0 {
		opts.JobPollInterval = 3 * time.Second
	}
	if opts.JobWaitCeiling <= 0 {
		opts.JobWaitCeiling = 2 * time.Minute
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "cardwatch/1.0"
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "application/json")

	return &Client{
		opts:   opts,
		http:   httpClient,
		logger: logger.With().Str("component", "scraper_client").Logger(),
	}
}

type scrapeRequest struct {
	Ref string `json:"ref"`
}

type scrapeResponse struct {
	Status       string           `json:"status"`
	JobID        string           `json:"jobId"`
	Error        string           `json:"error"`
	ProductType  string           `json:"productType"`
	Transactions []rawTransaction `json:"transactions"`
	Listings     []rawListing     `json:"listings"`
}

type rawTransaction struct {
	Grade        string `json:"grade"`
	Price        int64  `json:"price"`
	OccurredAt   string `json:"occurredAt"`
	IdentityHint string `json:"identityHint,omitempty"`
}

type rawListing struct {
	Grade string `json:"grade"`
	Price int64  `json:"price"`
	Depth int    `json:"depth"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// FetchRecentTransactions retrieves recent sales for a listing.
func (c *Client) FetchRecentTransactions(ctx context.Context, externalRef string) ([]Transaction, error) {
	payload, err := c.scrape(ctx, transactionsPath, externalRef)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transactions := make([]Transaction, 0, len(payload.Transactions))
	for _, raw := range payload.Transactions {
		occurred, parseErr := parseOccurredAt(raw.OccurredAt, now)
		if parseErr != nil {
			c.logger.Warn().Str("ref", externalRef).Str("raw", raw.OccurredAt).
				Msg("dropping transaction with unparseable timestamp")
			continue
		}
		tx := Transaction{
			Grade:      raw.Grade,
			Price:      raw.Price,
			OccurredAt: occurred,
		}
		if raw.IdentityHint != "" {
			hint := raw.IdentityHint
			tx.IdentityHint = &hint
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

// FetchCurrentListings retrieves the current best-price listings.
func (c *Client) FetchCurrentListings(ctx context.Context, externalRef string) ([]Listing, error) {
	payload, err := c.scrape(ctx, listingsPath, externalRef)
	if err != nil {
		return nil, err
	}

	listings := make([]Listing, 0, len(payload.Listings))
	for _, raw := range payload.Listings {
		listings = append(listings, Listing{Grade: raw.Grade, Price: raw.Price, Depth: raw.Depth})
	}
	return listings, nil
}

// Classify resolves the product type for a listing. Called once per source;
// the orchestrator caches the result.
func (c *Client) Classify(ctx context.Context, externalRef string) (string, error) {
	payload, err := c.scrape(ctx, classifyPath, externalRef)
	if err != nil {
		return "", err
	}
	if payload.ProductType == "" {
		return "", fmt.Errorf("classify %s: empty product type", externalRef)
	}
	return payload.ProductType, nil
}

func (c *Client) scrape(ctx context.Context, path, externalRef string) (*scrapeResponse, error) {
	if err := validateRef(externalRef); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(scrapeRequest{Ref: externalRef}).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", path, err)
	}

	payload, err := c.decode(resp)
	if err != nil {
		return nil, err
	}

	if payload.JobID != "" && payload.Status != "complete" {
		return c.awaitJob(ctx, payload.JobID)
	}
	if payload.Status == "failed" {
		return nil, fmt.Errorf("scrape %s: backend reported failure: %s", path, payload.Error)
	}
	return payload, nil
}

// awaitJob polls the job status endpoint until the job completes, fails, or
// the wait ceiling lapses.
func (c *Client) awaitJob(ctx context.Context, jobID string) (*scrapeResponse, error) {
	deadline := time.Now().Add(c.opts.JobWaitCeiling)
	ticker := time.NewTicker(c.opts.JobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("scrape job %s: timed out after %s", jobID, c.opts.JobWaitCeiling)
		}

		resp, err := c.http.R().SetContext(ctx).Get(jobsPath + jobID)
		if err != nil {
			return nil, fmt.Errorf("poll job %s: %w", jobID, err)
		}

		payload, err := c.decode(resp)
		if err != nil {
			return nil, err
		}

		switch payload.Status {
		case "complete":
			return payload, nil
		case "failed":
			return nil, fmt.Errorf("scrape job %s: backend reported failure: %s", jobID, payload.Error)
		default:
			// pending; keep polling until the ceiling.
		}
	}
}

func (c *Client) decode(resp *resty.Response) (*scrapeResponse, error) {
	status := resp.StatusCode()
	body := resp.Body()

	if status == 404 || status == 422 {
		return nil, fmt.Errorf("%w: %s", ErrBadReference, apiErrorDetail(status, body))
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("scrape backend error: %s", apiErrorDetail(status, body))
	}

	var payload scrapeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode scrape response: %w", err)
	}
	return &payload, nil
}

func apiErrorDetail(status int, payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Sprintf("(%d) %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Sprintf("(%d) %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Sprintf("(%d) %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Sprintf("(%d) %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Sprintf("(%d)", status)
}

// validateRef rejects references that cannot possibly resolve: neither a
// numeric marketplace id nor an absolute URL.
func validateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty reference", ErrBadReference)
	}
	if isDigits(ref) {
		return nil
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrBadReference, parsed.Scheme)
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

var _ Backend = (*Client)(nil)
