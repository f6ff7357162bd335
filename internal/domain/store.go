package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// DealJournal keeps an audit trail of resolved deals.
type DealJournal interface {
	Record(ctx context.Context, rec DealRecord) error
	ListRecent(ctx context.Context, broker string, opts ListOpts) ([]DealRecord, error)
}
