package persistence

import (
	"context"
)

// Repository is a storage backend. Upsert applies the idempotence rule:
// same id and outcome leaves the record untouched, a different outcome
// overwrites it.
type Repository interface {
	Upsert(ctx context.Context, rec Record) (WriteResult, error)
	Get(ctx context.Context, id string) (*Record, error)
	Count(ctx context.Context) (int64, error)
	Backend() string
}

// sameOutcome is the idempotence key comparison shared by all backends.
func sameOutcome(existing, incoming Record) bool {
	return existing.Outcome == incoming.Outcome
}
