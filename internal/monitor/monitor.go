// Package monitor tracks submitted transactions until they settle. Push
// delivery is tried first and polling takes over when push is unavailable
// or fails for a transaction.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/metrics"
	"github.com/pvzzle/txmonitor/internal/poll"
	"github.com/pvzzle/txmonitor/internal/push"
	"github.com/pvzzle/txmonitor/internal/statestore"
	"github.com/pvzzle/txmonitor/internal/txstate"
	"github.com/pvzzle/txmonitor/internal/workqueue"
)

const DefaultSettleDelay = 3 * time.Second

var (
	ErrAlreadyLoaded = errors.New("monitor already loaded")
	ErrNotLoaded     = errors.New("monitor not loaded")
)

// Pusher is the push channel as seen by the monitor.
type Pusher interface {
	Subscribe(ctx context.Context, txID string, sink push.Sink) (string, error)
	Unsubscribe(ctx context.Context, txID string)
	Len() int
}

type Poller interface {
	PollUntilSettled(ctx context.Context, txID string, onResult func(poll.Result) bool) error
	MaxAttempts() int
}

type Config struct {
	// SettleDelay postpones settlement hooks so a presenter can show the
	// final state before the result toast.
	SettleDelay time.Duration
	// Dispatch runs observer callbacks; it must be serial.
	Dispatch workqueue.Executor
	// IO runs subscribe calls and polling loops.
	IO      workqueue.Executor
	Hooks   []SettlementHook
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Monitor struct {
	store  *statestore.Store
	push   Pusher
	poller Poller
	cfg    Config
	log    zerolog.Logger

	dispatcher *Dispatcher

	life context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	loaded  bool
	loading bool
	modes   map[string]mode
	fired   map[string]bool
}

// New builds a Monitor. push may be nil, then every transaction is polled.
func New(store *statestore.Store, pusher Pusher, poller Poller, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Dispatch == nil {
		cfg.Dispatch = workqueue.Inline{}
	}
	if cfg.IO == nil {
		cfg.IO = workqueue.Spawn{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	log = log.With().Str("component", "monitor").Logger()
	life, stop := context.WithCancel(context.Background())

	return &Monitor{
		store:      store,
		push:       pusher,
		poller:     poller,
		cfg:        cfg,
		log:        log,
		dispatcher: NewDispatcher(cfg.Dispatch, log),
		life:       life,
		stop:       stop,
		modes:      make(map[string]mode),
		fired:      make(map[string]bool),
	}
}

// Reload loads the persisted set and resumes monitoring of everything not
// yet settled. It succeeds once per Monitor.
func (m *Monitor) Reload(ctx context.Context) error {
	m.mu.Lock()
	if m.loaded || m.loading {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	m.loading = true
	m.mu.Unlock()

	n, err := m.store.Load(ctx)

	m.mu.Lock()
	m.loading = false
	m.loaded = err == nil
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	resumed := 0
	for _, rec := range m.store.All() {
		if txstate.IsSettled(rec) {
			continue
		}
		m.startMonitoring(rec.ID)
		resumed++
	}
	m.log.Info().Int("tracked", n).Int("resumed", resumed).Msg("state reloaded")

	m.dispatcher.Notify()
	return nil
}

// Register starts tracking rec. It reports false, and changes nothing, when
// the id is already tracked.
func (m *Monitor) Register(ctx context.Context, rec txstate.Record) (bool, error) {
	if err := txstate.ValidateID(rec.ID); err != nil {
		return false, fmt.Errorf("register %q: %w", rec.ID, err)
	}

	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if !loaded {
		return false, ErrNotLoaded
	}

	now := m.cfg.Now().UnixMilli()
	if rec.SubmittedAt == 0 {
		rec.SubmittedAt = now
	}
	rec.UpdatedAt = now

	if !m.store.Insert(rec) {
		m.log.Debug().Str("tx_id", rec.ID).Msg("already tracked")
		return false, nil
	}
	m.cfg.Metrics.Registered()
	m.log.Info().Str("tx_id", rec.ID).Stringer("kind", rec.Kind).Msg("registered")

	m.persist(ctx)
	m.dispatcher.Notify()

	if txstate.IsSettled(rec) {
		m.settle(rec, false)
	} else {
		m.startMonitoring(rec.ID)
	}
	return true, nil
}

func (m *Monitor) GetByID(id string) (txstate.Record, bool) { return m.store.Find(id) }

func (m *Monitor) ListAll() []txstate.Record { return m.store.All() }

func (m *Monitor) ListProcessing() []txstate.Record {
	var out []txstate.Record
	for _, r := range m.store.All() {
		if txstate.IsProcessing(r) {
			out = append(out, r)
		}
	}
	return out
}

// LastVisible is the transaction a status bubble should show, if any.
func (m *Monitor) LastVisible() (txstate.Record, bool) {
	return txstate.LastVisible(m.store.All(), m.cfg.Now())
}

// Monitoring names the active channel for id: push, poll or none.
func (m *Monitor) Monitoring(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modeLocked(id).name()
}

func (m *Monitor) AddObserver(o Observer) ObserverID { return m.dispatcher.Add(o) }

func (m *Monitor) RemoveObserver(id ObserverID) bool { return m.dispatcher.Remove(id) }

// Close stops every polling loop and pending settlement hook.
func (m *Monitor) Close() { m.stop() }

func (m *Monitor) modeLocked(id string) mode {
	if md, ok := m.modes[id]; ok {
		return md
	}
	return unmonitored{}
}

func (m *Monitor) startMonitoring(id string) {
	m.mu.Lock()
	if _, idle := m.modeLocked(id).(unmonitored); !idle {
		m.mu.Unlock()
		return
	}
	if m.push == nil {
		m.modes[id] = pollActive{attemptsLeft: m.poller.MaxAttempts()}
		m.mu.Unlock()
		m.submitIO(func() { m.pollLoop(id) })
		return
	}
	m.modes[id] = pushActive{}
	m.mu.Unlock()

	m.submitIO(func() { m.subscribe(id) })
}

func (m *Monitor) submitIO(fn func()) {
	if !m.cfg.IO.Submit(fn) {
		m.log.Error().Msg("io executor stopped, task dropped")
	}
}

func (m *Monitor) subscribe(id string) {
	handle, err := m.push.Subscribe(m.life, id, push.Sink{
		OnUpdate:  func(obs txstate.Observation) { m.apply(id, obs, sourcePush) },
		OnFailure: func(err error) { m.pushFailed(id, err) },
	})
	m.cfg.Metrics.SetSubscriptions(m.push.Len())
	if err != nil {
		m.pushFailed(id, err)
		return
	}

	m.mu.Lock()
	md, still := m.modes[id].(pushActive)
	if still {
		md.handle = handle
		m.modes[id] = md
	}
	m.mu.Unlock()

	if !still {
		// settled or fell back while the subscribe was in flight
		m.push.Unsubscribe(m.life, id)
		m.cfg.Metrics.SetSubscriptions(m.push.Len())
		return
	}
	m.log.Debug().Str("tx_id", id).Str("handle", handle).Msg("push active")
}

// pushFailed switches id to polling. The push subscription is abandoned
// before the poll loop starts, so the two never both drive one
// transaction.
func (m *Monitor) pushFailed(id string, cause error) {
	m.mu.Lock()
	if _, ok := m.modes[id].(pushActive); !ok {
		m.mu.Unlock()
		return
	}
	m.modes[id] = pollActive{attemptsLeft: m.poller.MaxAttempts()}
	m.mu.Unlock()

	m.cfg.Metrics.PushFallback()
	m.log.Warn().Err(cause).Str("tx_id", id).Msg("push unavailable, polling")

	m.submitIO(func() {
		m.push.Unsubscribe(m.life, id)
		m.cfg.Metrics.SetSubscriptions(m.push.Len())
		m.pollLoop(id)
	})
}

func (m *Monitor) pollLoop(id string) {
	err := m.poller.PollUntilSettled(m.life, id, func(r poll.Result) bool {
		m.mu.Lock()
		md, ok := m.modes[id].(pollActive)
		if ok {
			md.attemptsLeft = r.AttemptsLeft
			m.modes[id] = md
		}
		m.mu.Unlock()
		if !ok {
			return true
		}
		if r.Err != nil {
			return false
		}
		return m.apply(id, r.Observation, sourcePoll)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn().Err(err).Str("tx_id", id).Msg("poll loop ended")
	}
}

// apply runs one observation through the update pipeline and reports
// whether the source should stop delivering for id.
func (m *Monitor) apply(id string, obs txstate.Observation, src source) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("tx_id", id).Stringer("source", src).Msg("update pipeline panicked")
			stop = false
		}
	}()

	u := m.merge(id, obs, src)
	switch {
	case u.dropped:
		return true
	case !u.res.Changed:
		return txstate.IsSettled(u.rec)
	}

	m.log.Debug().
		Str("tx_id", id).
		Stringer("source", src).
		Stringer("status", u.rec.ChainStatus).
		Stringer("outcome", u.rec.Outcome).
		Msg("state changed")

	m.persist(m.life)
	m.dispatcher.Notify()

	if u.settled {
		m.settle(u.rec, u.wasPush)
	}
	return u.settled
}

type update struct {
	rec     txstate.Record
	res     txstate.MergeResult
	dropped bool
	settled bool
	wasPush bool
}

// merge checks that src drives id, folds obs into the stored record and
// leaves the monitoring mode once the record is settled. The mode check and
// the merge happen under one lock.
func (m *Monitor) merge(id string, obs txstate.Observation, src source) update {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := m.modeLocked(id)
	if !accepts(md, src) {
		m.log.Debug().Str("tx_id", id).Stringer("source", src).Str("mode", md.name()).Msg("update from inactive channel dropped")
		return update{dropped: true}
	}

	rec, res, ok := m.store.Merge(id, obs, m.cfg.Now())
	if !ok {
		delete(m.modes, id)
		m.log.Warn().Str("tx_id", id).Msg("update for untracked transaction")
		return update{dropped: true}
	}
	if res.Conflict {
		m.log.Warn().
			Str("tx_id", id).
			Stringer("source", src).
			Stringer("kept", rec.Outcome).
			Stringer("reported", obs.Outcome).
			Msg("conflicting execution outcome ignored")
	}

	u := update{rec: rec, res: res}
	if res.Changed && txstate.IsSettled(rec) {
		_, u.wasPush = md.(pushActive)
		u.settled = true
		m.modes[id] = unmonitored{}
	}
	return u
}

func (m *Monitor) persist(ctx context.Context) {
	if err := m.store.Persist(ctx); err != nil {
		m.log.Error().Err(err).Msg("persist tracked set")
	}
}

// settle leaves push if needed and schedules the hooks, at most once per
// transaction.
func (m *Monitor) settle(rec txstate.Record, leavePush bool) {
	if leavePush {
		id := rec.ID
		m.submitIO(func() {
			m.push.Unsubscribe(m.life, id)
			m.cfg.Metrics.SetSubscriptions(m.push.Len())
		})
	}

	m.mu.Lock()
	if m.fired[rec.ID] {
		m.mu.Unlock()
		return
	}
	m.fired[rec.ID] = true
	m.mu.Unlock()

	s := newSettlement(rec, m.cfg.Now())
	m.cfg.Metrics.Settled(s.Result())
	m.log.Info().
		Str("tx_id", s.ID).
		Str("result", s.Result()).
		Str("error", s.ErrorMessage).
		Msg("settled")

	if len(m.cfg.Hooks) == 0 {
		return
	}
	fire := func() { m.runHooks(s) }
	if m.cfg.SettleDelay <= 0 {
		m.submitIO(fire)
		return
	}
	time.AfterFunc(m.cfg.SettleDelay, func() {
		if m.life.Err() != nil {
			return
		}
		m.submitIO(fire)
	})
}

func (m *Monitor) runHooks(s Settlement) {
	for _, h := range m.cfg.Hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("tx_id", s.ID).Msg("settlement hook panicked")
				}
			}()
			h.OnSettled(m.life, s)
		}()
	}
}
