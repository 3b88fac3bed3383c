// Package poll asks a chain.ResultFetcher for one transaction's result at a
// fixed interval until the caller is satisfied or the attempt budget runs
// out.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/metrics"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 60
)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	// RPS caps fetches per second across all loops; 0 disables the limit.
	RPS float64
	// MaxInFlight caps concurrent fetches across all loops; 0 disables it.
	MaxInFlight int64
	CallTimeout time.Duration
}

// Result is one attempt. Err is set when the fetch failed; Expired is set
// on the synthetic result delivered after the last attempt.
type Result struct {
	txstate.Observation
	Err          error
	AttemptsLeft int
	Expired      bool
}

// Poller is shared by every polling loop so that the rate limit and the
// in-flight cap apply process-wide.
type Poller struct {
	fetcher  chain.ResultFetcher
	cfg      Config
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(fetcher chain.ResultFetcher, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	p := &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "poll").Logger(),
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	if cfg.MaxInFlight > 0 {
		p.inflight = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return p
}

func (p *Poller) MaxAttempts() int { return p.cfg.MaxAttempts }

// PollUntilSettled fetches right away and then once per interval. Every
// attempt, failed or not, is handed to onResult; returning true stops the
// loop. When the budget is spent onResult gets one final Expired result.
// Only ctx cancellation is returned as an error.
func (p *Poller) PollUntilSettled(ctx context.Context, txID string, onResult func(Result) bool) error {
	log := p.log.With().Str("tx_id", txID).Logger()

	t := time.NewTimer(0)
	defer t.Stop()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		obs, err := p.fetch(ctx, txID)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res := Result{Observation: obs, Err: err, AttemptsLeft: p.cfg.MaxAttempts - attempt}
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("poll failed")
		}
		if onResult(res) {
			return nil
		}
		t.Reset(p.cfg.Interval)
	}

	log.Info().Int("attempts", p.cfg.MaxAttempts).Msg("poll budget exhausted")
	onResult(Result{
		Observation: txstate.Observation{
			Status:       txstate.StatusExpired,
			ErrorMessage: fmt.Sprintf("transaction %s not settled after %d polling attempts", txID, p.cfg.MaxAttempts),
		},
		Expired: true,
	})
	return nil
}

func (p *Poller) fetch(ctx context.Context, txID string) (txstate.Observation, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return txstate.Observation{}, err
		}
	}
	if p.inflight != nil {
		if err := p.inflight.Acquire(ctx, 1); err != nil {
			return txstate.Observation{}, err
		}
		defer p.inflight.Release(1)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	obs, err := p.fetcher.GetTransactionResult(cctx, txID)
	switch {
	case err == nil:
		p.metrics.PollAttempt("ok")
	case errors.Is(err, chain.ErrNotFound):
		p.metrics.PollAttempt("not_found")
	default:
		p.metrics.PollAttempt("error")
	}
	return obs, err
}
