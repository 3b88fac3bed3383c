package monitor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/workqueue"
)

// Observer is told that some tracked transaction changed. It re-reads what
// it needs from the Monitor.
type Observer interface {
	OnTransactionStateChange()
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func()

func (f ObserverFunc) OnTransactionStateChange() { f() }

// Detachable observers are dropped on the next dispatch once Detached
// reports true, for owners that go away without calling RemoveObserver.
type Detachable interface {
	Detached() bool
}

type ObserverID uint64

type observerEntry struct {
	id ObserverID
	o  Observer
}

// Dispatcher calls observers on one executor, one notification at a time.
type Dispatcher struct {
	exec workqueue.Executor
	log  zerolog.Logger

	mu        sync.Mutex
	nextID    ObserverID
	observers []observerEntry
}

func NewDispatcher(exec workqueue.Executor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, log: log}
}

func (d *Dispatcher) Add(o Observer) ObserverID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.observers = append(d.observers, observerEntry{id: d.nextID, o: o})
	return d.nextID
}

func (d *Dispatcher) Remove(id ObserverID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.observers {
		if e.id == id {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func (d *Dispatcher) Notify() {
	if !d.exec.Submit(d.dispatch) {
		d.log.Warn().Msg("dispatch executor stopped, notification dropped")
	}
}

func (d *Dispatcher) dispatch() {
	d.mu.Lock()
	live := make([]observerEntry, 0, len(d.observers))
	for _, e := range d.observers {
		if det, ok := e.o.(Detachable); ok && det.Detached() {
			continue
		}
		live = append(live, e)
	}
	d.observers = live
	snapshot := append([]observerEntry(nil), live...)
	d.mu.Unlock()

	for _, e := range snapshot {
		d.call(e)
	}
}

func (d *Dispatcher) call(e observerEntry) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Uint64("observer", uint64(e.id)).Msg("observer panicked")
		}
	}()
	e.o.OnTransactionStateChange()
}
