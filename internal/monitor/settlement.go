package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

// Settlement is what presenters and recorders learn about a transaction
// that needs no more monitoring.
type Settlement struct {
	ID           string
	Kind         txstate.Kind
	Status       txstate.ChainStatus
	Success      bool
	ErrorMessage string
	// ErrorCode is the chain error code found in ErrorMessage, 0 if none.
	ErrorCode int
	SettledAt time.Time
}

// StorageCapacityExceeded reports whether the payer ran out of storage.
func (s Settlement) StorageCapacityExceeded() bool {
	return s.ErrorCode == txstate.ErrCodeStorageCapacityExceeded
}

// Result is a short label for logs and metrics.
func (s Settlement) Result() string {
	switch {
	case s.Success:
		return "success"
	case s.Status == txstate.StatusExpired:
		return "expired"
	default:
		return "failure"
	}
}

func newSettlement(rec txstate.Record, at time.Time) Settlement {
	s := Settlement{
		ID:           rec.ID,
		Kind:         rec.Kind,
		Status:       rec.ChainStatus,
		Success:      txstate.IsSuccess(rec),
		ErrorMessage: rec.ErrorMessage,
		SettledAt:    at,
	}
	if code, ok := txstate.ParseErrorCode(rec.ErrorMessage); ok {
		s.ErrorCode = code
	}
	return s
}

// SettlementHook is called once per settled transaction.
type SettlementHook interface {
	OnSettled(ctx context.Context, s Settlement)
}

type SettlementHookFunc func(ctx context.Context, s Settlement)

func (f SettlementHookFunc) OnSettled(ctx context.Context, s Settlement) { f(ctx, s) }

// OnKind wraps hook so it only sees settlements of kind. With successOnly
// failed and expired settlements are skipped as well.
func OnKind(kind txstate.Kind, successOnly bool, hook SettlementHook) SettlementHook {
	return SettlementHookFunc(func(ctx context.Context, s Settlement) {
		if s.Kind != kind || (successOnly && !s.Success) {
			return
		}
		hook.OnSettled(ctx, s)
	})
}

// OutcomeRecorder writes settlements to the outcome log.
type OutcomeRecorder struct {
	repo storage.OutcomeRepository
	log  zerolog.Logger
}

func NewOutcomeRecorder(repo storage.OutcomeRepository, log zerolog.Logger) *OutcomeRecorder {
	return &OutcomeRecorder{repo: repo, log: log.With().Str("component", "outcomes").Logger()}
}

func (r *OutcomeRecorder) OnSettled(ctx context.Context, s Settlement) {
	o := storage.Outcome{
		TxID:         s.ID,
		Kind:         s.Kind.String(),
		Status:       s.Status.String(),
		Success:      s.Success,
		ErrorMessage: s.ErrorMessage,
		SettledAt:    s.SettledAt.UTC(),
	}
	if s.ErrorCode != 0 {
		code := s.ErrorCode
		o.ErrorCode = &code
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	inserted, err := r.repo.RecordOutcome(cctx, o)
	if err != nil {
		r.log.Error().Err(err).Str("tx_id", s.ID).Msg("record outcome")
		return
	}
	if !inserted {
		r.log.Debug().Str("tx_id", s.ID).Msg("outcome already recorded")
	}
}
