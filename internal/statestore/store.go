// Package statestore keeps the tracked transaction set in memory and writes
// it through to a storage.StateRepository as a whole.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

// TrackedSet is the persisted layout.
type TrackedSet struct {
	Data []txstate.Record `json:"data"`
}

type Store struct {
	repo storage.StateRepository
	log  zerolog.Logger

	mu      sync.RWMutex
	records []*txstate.Record
	index   map[string]int
	gen     uint64

	saveMu   sync.Mutex
	savedGen uint64
}

func New(repo storage.StateRepository, log zerolog.Logger) *Store {
	return &Store{
		repo:  repo,
		log:   log.With().Str("component", "statestore").Logger(),
		index: make(map[string]int),
	}
}

// Load replaces the in-memory set with the persisted one. Missing or
// unreadable state yields an empty set; only repository I/O errors are
// returned.
func (s *Store) Load(ctx context.Context) (int, error) {
	var set TrackedSet

	raw, err := s.repo.LoadState(ctx, storage.StateKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.log.Info().Msg("no persisted state, starting empty")
	case err != nil:
		return 0, fmt.Errorf("load state: %w", err)
	default:
		if err := json.Unmarshal(raw, &set); err != nil {
			s.log.Warn().Err(err).Msg("persisted state is corrupt, starting empty")
			set = TrackedSet{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = s.records[:0]
	s.index = make(map[string]int, len(set.Data))
	for i := range set.Data {
		rec := set.Data[i]
		if rec.ID == "" {
			continue
		}
		if _, dup := s.index[rec.ID]; dup {
			continue
		}
		s.index[rec.ID] = len(s.records)
		s.records = append(s.records, &rec)
	}
	s.gen++
	return len(s.records), nil
}

// Insert appends rec unless its id is already tracked.
func (s *Store) Insert(rec txstate.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[rec.ID]; ok {
		return false
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, &rec)
	s.gen++
	return true
}

// Merge folds obs into the record with the given id and returns a copy of
// the result. ok is false when the id is not tracked.
func (s *Store) Merge(id string, obs txstate.Observation, now time.Time) (txstate.Record, txstate.MergeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return txstate.Record{}, txstate.MergeResult{}, false
	}
	res := s.records[i].Merge(obs, now)
	if res.Changed {
		s.gen++
	}
	return *s.records[i], res, true
}

func (s *Store) Find(id string) (txstate.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return txstate.Record{}, false
	}
	return *s.records[i], true
}

// All returns copies of every record in insertion order.
func (s *Store) All() []txstate.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]txstate.Record, len(s.records))
	for i, r := range s.records {
		out[i] = *r
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Persist writes the whole set. Snapshots are taken under the read lock and
// written in generation order, so an older snapshot never overwrites a newer
// one when two callers race.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	set := TrackedSet{Data: make([]txstate.Record, len(s.records))}
	for i, r := range s.records {
		set.Data[i] = *r
	}
	gen := s.gen
	s.mu.RUnlock()

	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if gen < s.savedGen {
		return nil
	}
	if err := s.repo.SaveState(ctx, storage.StateKey, raw); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.savedGen = gen
	return nil
}
