// Command loadtest drives the storage layer with the monitor's access
// pattern: frequent state snapshots and outcome writes, history reads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/pvzzle/txmonitor/internal/statestore"
	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/storage/pg"
	"github.com/pvzzle/txmonitor/internal/storage/sqlite"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

type opType int

const (
	opWrite opType = iota
	opRead
)

type params struct {
	workers   int
	avgRPS    int
	peakRPS   int
	ramp      time.Duration
	dur       time.Duration
	rw        int
	histLimit int
	tracked   int
	collect   bool
}

func main() {
	var (
		driver    = flag.String("driver", "sqlite", "storage driver: sqlite or postgres")
		dsn       = flag.String("dsn", "", "Postgres DSN (postgres driver)")
		dir       = flag.String("dir", os.TempDir(), "database directory (sqlite driver)")
		dur       = flag.Duration("dur", 60*time.Second, "test duration")
		warmup    = flag.Duration("warmup", 5*time.Second, "warmup duration (not counted)")
		avgRPS    = flag.Int("avg-rps", 300, "avg RPS")
		peakRPS   = flag.Int("peak-rps", 1500, "peak RPS (during ramp)")
		ramp      = flag.Duration("ramp", 10*time.Second, "ramp-up duration to peak")
		rwRatio   = flag.Int("rw", 15, "R/W ratio, reads per 1 write")
		workers   = flag.Int("workers", 64, "concurrent workers")
		histLimit = flag.Int("hist-limit", 10, "history limit")
		tracked   = flag.Int("tracked", 50, "records in each state snapshot")
	)
	flag.Parse()

	ctx := context.Background()

	repo, closeFn, err := openRepo(ctx, *driver, *dsn, *dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeFn()

	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ensure schema:", err)
		os.Exit(1)
	}

	p := params{
		workers: *workers, avgRPS: *avgRPS, peakRPS: *avgRPS,
		dur: *warmup, rw: *rwRatio, histLimit: *histLimit, tracked: *tracked,
	}
	fmt.Println("starting warmup:", *warmup)
	runPhase(ctx, repo, p)

	p.peakRPS, p.ramp, p.dur, p.collect = *peakRPS, *ramp, *dur, true
	fmt.Println("starting measured test:", *dur)
	printReport(runPhase(ctx, repo, p))
}

func openRepo(ctx context.Context, driver, dsn, dir string) (storage.Repository, func(), error) {
	switch driver {
	case "sqlite":
		st, err := sqlite.OpenFile(dir, "txmonitor-loadtest.db")
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("dsn required for postgres")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pg.New(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", driver)
}

type results struct {
	totalOps   uint64
	readOps    uint64
	writeOps   uint64
	errOps     uint64
	latencies  []time.Duration // measured ops only
	startedAt  time.Time
	finishedAt time.Time
}

func runPhase(ctx context.Context, repo storage.Repository, p params) results {
	ctx, cancel := context.WithTimeout(ctx, p.dur)
	defer cancel()

	lim := rate.NewLimiter(rate.Limit(p.avgRPS), p.avgRPS)
	jobs := make(chan opType, 1024)

	var (
		res results
		mu  sync.Mutex
	)
	res.startedAt = time.Now()

	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano()))
			for op := range jobs {
				t0 := time.Now()
				err := doOp(ctx, repo, op, r, p)
				dt := time.Since(t0)

				atomic.AddUint64(&res.totalOps, 1)
				if op == opRead {
					atomic.AddUint64(&res.readOps, 1)
				} else {
					atomic.AddUint64(&res.writeOps, 1)
				}
				if err != nil {
					atomic.AddUint64(&res.errOps, 1)
					continue
				}
				if p.collect {
					mu.Lock()
					res.latencies = append(res.latencies, dt)
					mu.Unlock()
				}
			}
		}()
	}

	go func() {
		defer close(jobs)

		// rw reads, then one write
		pattern := make([]opType, 0, p.rw+1)
		for i := 0; i < p.rw; i++ {
			pattern = append(pattern, opRead)
		}
		pattern = append(pattern, opWrite)
		idx := 0

		rampStart := time.Now()
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}

			if p.ramp > 0 {
				el := time.Since(rampStart)
				if el < p.ramp {
					cur := float64(p.avgRPS) + (float64(p.peakRPS-p.avgRPS) * (float64(el) / float64(p.ramp)))
					lim.SetLimit(rate.Limit(cur))
				} else {
					lim.SetLimit(rate.Limit(p.peakRPS))
				}
			}

			jobs <- pattern[idx]
			idx = (idx + 1) % len(pattern)
		}
	}()

	wg.Wait()
	res.finishedAt = time.Now()
	return res
}

// A write is what settling one transaction costs: an outcome row plus a
// full state snapshot. A read is a history page plus a state load.
func doOp(ctx context.Context, repo storage.Repository, op opType, r *rand.Rand, p params) error {
	switch op {
	case opRead:
		if _, err := repo.ListOutcomes(ctx, p.histLimit); err != nil {
			return err
		}
		_, err := repo.LoadState(ctx, storage.StateKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	case opWrite:
		o := fakeOutcome(r)
		if _, err := repo.RecordOutcome(ctx, o); err != nil {
			return err
		}
		blob, err := json.Marshal(fakeSnapshot(r, p.tracked))
		if err != nil {
			return err
		}
		return repo.SaveState(ctx, storage.StateKey, blob)
	}
	return nil
}

func fakeID(r *rand.Rand) string {
	return fmt.Sprintf("0x%016x%016x%016x%016x", r.Uint64(), r.Uint64(), r.Uint64(), r.Uint64())
}

func fakeOutcome(r *rand.Rand) storage.Outcome {
	o := storage.Outcome{
		TxID:      fakeID(r),
		Kind:      txstate.Kind(r.Intn(int(txstate.KindMoveNFT) + 1)).String(),
		Status:    txstate.StatusSealed.String(),
		Success:   r.Intn(10) > 0,
		SettledAt: time.Now().UTC(),
	}
	if !o.Success {
		code := txstate.ErrCodeStorageCapacityExceeded
		o.ErrorCode = &code
		o.ErrorMessage = fmt.Sprintf("[Error Code: %d] storage capacity exceeded", code)
	}
	return o
}

func fakeSnapshot(r *rand.Rand, n int) statestore.TrackedSet {
	now := time.Now().UnixMilli()
	set := statestore.TrackedSet{Data: make([]txstate.Record, 0, n)}
	for i := 0; i < n; i++ {
		set.Data = append(set.Data, txstate.Record{
			ID:          fakeID(r),
			SubmittedAt: now,
			UpdatedAt:   now,
			ChainStatus: txstate.ChainStatus(r.Intn(int(txstate.StatusSealed) + 1)),
			Kind:        txstate.KindTransferCoin,
		})
	}
	return set
}

func printReport(res results) {
	d := res.finishedAt.Sub(res.startedAt)
	total := atomic.LoadUint64(&res.totalOps)
	errs := atomic.LoadUint64(&res.errOps)
	reads := atomic.LoadUint64(&res.readOps)
	writes := atomic.LoadUint64(&res.writeOps)

	fmt.Printf("\n== REPORT ==\n")
	fmt.Printf("duration: %s\n", d)
	fmt.Printf("ops: total=%d read=%d write=%d errors=%d\n", total, reads, writes, errs)
	if d > 0 {
		fmt.Printf("throughput: %.2f ops/s\n", float64(total)/d.Seconds())
	}
	if len(res.latencies) == 0 {
		fmt.Println("no latency samples")
		return
	}
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	q := func(f float64) time.Duration {
		return res.latencies[int(f*float64(len(res.latencies)-1))]
	}
	fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
		q(0.50), q(0.95), q(0.99), res.latencies[len(res.latencies)-1],
	)
}
