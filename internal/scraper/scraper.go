package scraper

import (
	"context"
	"errors"
	"time"
)

// ErrBadReference marks an external reference that cannot be parsed or
// resolved at all. Permanent: retrying with backoff will not fix it, an
// operator has to.
var ErrBadReference = errors.New("scraper: unresolvable external reference")

// Transaction is one sale observed by the scrape backend, with the raw
// marketplace timestamp already normalized to absolute time.
type Transaction struct {
	Grade        string
	Price        int64
	OccurredAt   time.Time
	IdentityHint *string
}

// Listing is a current best-price observation for one grade bucket.
type Listing struct {
	Grade string
	Price int64
	Depth int
}

// Backend is the external scraper collaborator. Implementations must
// normalize both immediate and job-handle response shapes to these
// synchronous contracts.
type Backend interface {
	FetchRecentTransactions(ctx context.Context, externalRef string) ([]Transaction, error)
	FetchCurrentListings(ctx context.Context, externalRef string) ([]Listing, error)
	Classify(ctx context.Context, externalRef string) (string, error)
}
