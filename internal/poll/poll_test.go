package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

type step struct {
	obs txstate.Observation
	err error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *scriptedFetcher) GetTransactionResult(ctx context.Context, txID string) (txstate.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		return txstate.Observation{}, chain.ErrNotFound
	}
	return f.steps[i].obs, f.steps[i].err
}

func fastConfig(max int) Config {
	return Config{Interval: time.Millisecond, MaxAttempts: max}
}

func TestStopsWhenCallerIsSatisfied(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{err: errors.New("connection reset")},
		{obs: txstate.Observation{Status: txstate.StatusSealed, Outcome: txstate.OutcomeFailure, ErrorMessage: "script panic"}},
	}}
	p := New(f, fastConfig(60), nil, zerolog.Nop())

	var results []Result
	err := p.PollUntilSettled(context.Background(), "0xbb", func(r Result) bool {
		results = append(results, r)
		return r.Err == nil && r.Status == txstate.StatusSealed
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.calls)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 59, results[0].AttemptsLeft)
	assert.Equal(t, "script panic", results[1].ErrorMessage)
	assert.Equal(t, 58, results[1].AttemptsLeft)
}

func TestBudgetExhaustionExpires(t *testing.T) {
	f := &scriptedFetcher{}
	p := New(f, fastConfig(3), nil, zerolog.Nop())

	var last Result
	n := 0
	require.NoError(t, p.PollUntilSettled(context.Background(), "0xcc", func(r Result) bool {
		n++
		last = r
		return false
	}))

	assert.Equal(t, 3, f.calls)
	assert.Equal(t, 4, n)
	assert.True(t, last.Expired)
	assert.Equal(t, txstate.StatusExpired, last.Status)
	assert.Contains(t, last.ErrorMessage, "3 polling attempts")
}

func TestCancelStopsLoop(t *testing.T) {
	f := &scriptedFetcher{}
	p := New(f, Config{Interval: time.Hour, MaxAttempts: 5}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	err := p.PollUntilSettled(ctx, "0xdd", func(Result) bool {
		cancel()
		return false
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestLimitsApply(t *testing.T) {
	f := &scriptedFetcher{}
	p := New(f, Config{Interval: time.Millisecond, MaxAttempts: 2, RPS: 1000, MaxInFlight: 1}, nil, zerolog.Nop())
	require.NotNil(t, p.limiter)
	require.NotNil(t, p.inflight)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.PollUntilSettled(context.Background(), "0xee", func(Result) bool { return false })
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, f.calls)
}
