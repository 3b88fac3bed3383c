package txstate

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	reTxID = regexp.MustCompile(`^(0x)?[0-9a-fA-F]+$`)

	ErrInvalidID = errors.New("invalid transaction id")
)

// Record is one submitted transaction as tracked by the monitor.
// The json names are the persisted layout of the tracked set.
type Record struct {
	ID           string           `json:"transactionId"`
	SubmittedAt  int64            `json:"time"`
	UpdatedAt    int64            `json:"updateTime"`
	ChainStatus  ChainStatus      `json:"state"`
	Outcome      ExecutionOutcome `json:"execution,omitempty"`
	ErrorMessage string           `json:"errorMsg,omitempty"`
	Kind         Kind             `json:"type"`
	Payload      string           `json:"data,omitempty"`
}

// Observation is what a channel reports about a transaction.
type Observation struct {
	Status       ChainStatus
	Outcome      ExecutionOutcome
	ErrorMessage string
}

// ValidateID checks that id is a hex string, optionally 0x-prefixed.
func ValidateID(id string) error {
	if !reTxID.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// MergeResult describes what Merge did with an observation.
type MergeResult struct {
	Changed bool
	// Conflict is set when the observation carried a resolved outcome that
	// contradicts the one already recorded.
	Conflict bool
}

// Merge folds obs into r. Status never moves backwards except to
// StatusExpired, an expired record accepts nothing, and a resolved outcome
// is never replaced. UpdatedAt and ErrorMessage change only when status or
// outcome changed.
func (r *Record) Merge(obs Observation, now time.Time) MergeResult {
	var res MergeResult
	if r.ChainStatus == StatusExpired {
		return res
	}

	status := obs.Status
	if status != StatusExpired && status < r.ChainStatus {
		status = r.ChainStatus
	}

	outcome := obs.Outcome
	switch {
	case outcome == OutcomeUnknown:
		outcome = r.Outcome
	case r.Outcome.Resolved() && outcome != r.Outcome:
		res.Conflict = outcome.Resolved()
		outcome = r.Outcome
	}

	if status == r.ChainStatus && outcome == r.Outcome {
		return res
	}

	r.ChainStatus = status
	r.Outcome = outcome
	if msg := strings.TrimSpace(obs.ErrorMessage); msg != "" {
		r.ErrorMessage = msg
	}
	r.UpdatedAt = now.UnixMilli()
	res.Changed = true
	return res
}

// Progress is the fraction shown by a progress indicator for the status.
func (r Record) Progress() float64 {
	switch r.ChainStatus {
	case StatusUnknown, StatusPending:
		return 0.25
	case StatusFinalized:
		return 0.50
	case StatusExecuted:
		return 0.75
	case StatusSealed:
		return 1.0
	default:
		return 0
	}
}

// StateLabel is a short human label: success, failed or pending.
func (r Record) StateLabel() string {
	switch {
	case IsSuccess(r):
		return "success"
	case IsFailure(r):
		return "failed"
	default:
		return "pending"
	}
}
