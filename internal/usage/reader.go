package usage

import "context"

// Reader is the read side of the ledger, implemented by every store.
type Reader interface {
	GetSummary(ctx context.Context, q Query) (*Summary, error)
	UsageByModel(ctx context.Context, q Query) ([]ModelUsage, error)
	ListRecords(ctx context.Context, q Query) ([]*Record, string, error)
}
