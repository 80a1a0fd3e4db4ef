package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:         baseURL,
		Timeout:         2 * time.Second,
		JobPollInterval: 10 * time.Millisecond,
		JobWaitCeiling:  500 * time.Millisecond,
	}, noopLogger())
}

func TestFetchTransactionsImmediateResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transactionsPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req scrapeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Ref != "12345" {
			t.Fatalf("unexpected ref %q", req.Ref)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "complete",
			"transactions": []map[string]any{
				{"grade": "PSA10", "price": 52000, "occurredAt": "2026-03-14T12:00:00Z", "identityHint": "avatar-9"},
				{"grade": "A", "price": 9800, "occurredAt": "3分前"},
			},
		})
	}))
	defer srv.Close()

	transactions, err := testClient(srv.URL).FetchRecentTransactions(context.Background(), "12345")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].IdentityHint == nil || *transactions[0].IdentityHint != "avatar-9" {
		t.Fatalf("identity hint not carried through: %+v", transactions[0])
	}
	if transactions[1].IdentityHint != nil {
		t.Fatal("hint-less transaction must stay hint-less")
	}
	if time.Since(transactions[1].OccurredAt) > 5*time.Minute {
		t.Fatalf("relative timestamp should anchor near now: %v", transactions[1].OccurredAt)
	}
}

func TestFetchTransactionsJobShape(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transactionsPath:
			_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "j-7"})
		case jobsPath + "j-7":
			if atomic.AddInt32(&polls, 1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "complete",
				"transactions": []map[string]any{
					{"grade": "PSA10", "price": 52000, "occurredAt": "2026-03-14T12:00:00Z"},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	transactions, err := testClient(srv.URL).FetchRecentTransactions(context.Background(), "12345")
	if err != nil {
		t.Fatalf("job-shaped fetch failed: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
	if atomic.LoadInt32(&polls) < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestJobWaitCeilingIsTimeoutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case listingsPath:
			_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "j-stuck"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchCurrentListings(context.Background(), "12345")
	if err == nil {
		t.Fatal("a job that never completes must time out, not hang as pending")
	}
	if errors.Is(err, ErrBadReference) {
		t.Fatal("a timeout is transient, not a bad reference")
	}
}

func TestJobFailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case classifyPath:
			_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "j-1"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "render crashed"})
		}
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Classify(context.Background(), "12345"); err == nil {
		t.Fatal("backend-reported job failure must surface as an error")
	}
}

func TestNotFoundIsBadReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "unknown_listing"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchRecentTransactions(context.Background(), "99999")
	if !errors.Is(err, ErrBadReference) {
		t.Fatalf("404 must map to ErrBadReference, got %v", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchRecentTransactions(context.Background(), "12345")
	if err == nil {
		t.Fatal("5xx must be an error")
	}
	if errors.Is(err, ErrBadReference) {
		t.Fatal("5xx is transient, not a bad reference")
	}
}

func TestUnparsableRefRejectedWithoutRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be issued for an unparsable reference")
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	for _, ref := range []string{"", "   ", "not a ref", "ftp://example.com/x"} {
		if _, err := client.FetchRecentTransactions(context.Background(), ref); !errors.Is(err, ErrBadReference) {
			t.Fatalf("ref %q: expected ErrBadReference, got %v", ref, err)
		}
	}
}

func TestValidRefShapes(t *testing.T) {
	if err := validateRef("12345"); err != nil {
		t.Fatalf("numeric id must be accepted: %v", err)
	}
	if err := validateRef("https://market.example.com/items/12345"); err != nil {
		t.Fatalf("absolute URL must be accepted: %v", err)
	}
}
