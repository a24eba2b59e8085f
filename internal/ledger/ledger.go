// Package ledger publishes mapped metrics to an external ledger. Publishing
// is best effort: a failed publish marks the outcome but never fails the
// sample.
package ledger

import (
	"context"
)

// Receipt identifies a confirmed publication.
type Receipt struct {
	TxID   string
	Height int64
}

// Publisher records mapped metrics on the ledger.
type Publisher interface {
	// StoreMetrics publishes one mapped document under the machine's
	// contract.
	StoreMetrics(ctx context.Context, machineID string, doc map[string]any) (*Receipt, error)

	// AggregateDay triggers cross-machine aggregation for one date once
	// every machine's document for that date is stored.
	AggregateDay(ctx context.Context, date string) error
}

// Noop discards everything. Used when publishing is disabled.
type Noop struct{}

func (Noop) StoreMetrics(context.Context, string, map[string]any) (*Receipt, error) {
	return nil, nil
}

func (Noop) AggregateDay(context.Context, string) error { return nil }
