// Package chain defines what the monitor needs from a blockchain: a
// request/response result lookup and a multiplexed status stream.
package chain

import (
	"context"
	"errors"

	"github.com/pvzzle/txmonitor/internal/txstate"
)

var (
	// ErrNotFound means the node does not know the transaction (yet).
	ErrNotFound = errors.New("transaction not found")

	ErrStreamClosed = errors.New("status stream closed")
)

type ResultFetcher interface {
	GetTransactionResult(ctx context.Context, txID string) (txstate.Observation, error)
}

// Event is one inbound message of a Stream. An event with an empty TxID and
// a non-nil Err reports that the connection itself is gone; every
// subscription on it is dead.
type Event struct {
	TxID   string
	Handle string
	txstate.Observation
	Err error
}

// ConnectionLost reports whether e tears down the whole stream.
func (e Event) ConnectionLost() bool { return e.TxID == "" && e.Err != nil }

// Stream is one shared duplex connection carrying many per-transaction
// subscriptions. Open must be called before Subscribe. Close is final for
// the connection; a new Open starts a fresh one.
type Stream interface {
	Open(ctx context.Context, onEvent func(Event)) error
	Subscribe(ctx context.Context, txID string) (string, error)
	Unsubscribe(ctx context.Context, handle string) error
	Close() error
}
