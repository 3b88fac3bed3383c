package storage

import (
	"errors"
	"time"
)

// StateKey is the key the tracked transaction set is stored under.
const StateKey = "transaction_state"

var ErrNotFound = errors.New("state not found")

type Outcome struct {
	TxID         string
	Kind         string
	Status       string // chain status name at settlement
	Success      bool
	ErrorMessage string
	ErrorCode    *int
	SettledAt    time.Time
}
