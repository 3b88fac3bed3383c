package push

import (
	"sync"

	"github.com/pvzzle/txmonitor/internal/txstate"
)

// Sink receives what the stream reports for one transaction.
type Sink struct {
	OnUpdate  func(obs txstate.Observation)
	OnFailure func(err error)
}

type entry struct {
	// Handle is empty while the subscribe round-trip is in flight.
	Handle string
	sink   Sink
}

// Registry maps transaction ids to their push subscriptions.
type Registry struct {
	mu   sync.RWMutex
	byTx map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{byTx: make(map[string]*entry)}
}

// Add reserves txID for sink. If txID is already present its handle is
// returned and added is false.
func (r *Registry) Add(txID string, sink Sink) (handle string, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.byTx[txID]; e != nil {
		return e.Handle, false
	}
	r.byTx[txID] = &entry{sink: sink}
	return "", true
}

// Bind records the server handle for a reserved txID.
func (r *Registry) Bind(txID, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byTx[txID]
	if e == nil {
		return false
	}
	e.Handle = handle
	return true
}

func (r *Registry) Remove(txID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byTx[txID]
	if e == nil {
		return "", false
	}
	delete(r.byTx, txID)
	return e.Handle, true
}

func (r *Registry) Handle(txID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.byTx[txID]
	if e == nil {
		return "", false
	}
	return e.Handle, true
}

// Lookup resolves an inbound event. When both sides know a handle they
// must agree, so events of an older subscription for the same id are
// dropped.
func (r *Registry) Lookup(txID, handle string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.byTx[txID]
	if e == nil {
		return Sink{}, false
	}
	if handle != "" && e.Handle != "" && e.Handle != handle {
		return Sink{}, false
	}
	return e.sink, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTx)
}

// Drain empties the registry and returns the sinks it held by tx id.
func (r *Registry) Drain() map[string]Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Sink, len(r.byTx))
	for id, e := range r.byTx {
		out[id] = e.sink
	}
	r.byTx = make(map[string]*entry)
	return out
}
