package storage

import "context"

// StateRepository holds opaque state blobs under fixed keys.
type StateRepository interface {
	LoadState(ctx context.Context, key string) ([]byte, error)
	SaveState(ctx context.Context, key string, data []byte) error
}

// OutcomeRepository keeps one row per settled transaction.
type OutcomeRepository interface {
	// RecordOutcome reports false when the outcome was already recorded.
	RecordOutcome(ctx context.Context, o Outcome) (bool, error)
	ListOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

type Repository interface {
	EnsureSchema(ctx context.Context) error

	StateRepository
	OutcomeRepository
}
