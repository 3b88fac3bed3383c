package evm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/chain"
)

type StreamConfig struct {
	Workers     int
	TasksBuffer int
}

type checkTask struct {
	handle string
	txID   string
}

// Stream turns new chain heads into status events: on every head each
// subscribed transaction is re-checked by a small worker pool.
type Stream struct {
	client  Backend
	fetcher *Fetcher
	cfg     StreamConfig
	log     zerolog.Logger

	nextID atomic.Uint64

	mu  sync.Mutex
	run *headRun
}

var _ chain.Stream = (*Stream)(nil)

type headRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	onEvent func(chain.Event)
	tasks   chan checkTask
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	subs   map[string]string // handle -> tx id
}

func NewStream(client Backend, fetcher *Fetcher, cfg StreamConfig, log zerolog.Logger) *Stream {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TasksBuffer <= 0 {
		cfg.TasksBuffer = 256
	}
	return &Stream{
		client:  client,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log.With().Str("component", "evm-stream").Logger(),
	}
}

func (s *Stream) Open(ctx context.Context, onEvent func(chain.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	headers := make(chan *types.Header, 128)

	sub, err := s.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		cancel()
		return fmt.Errorf("SubscribeNewHead: %w", err)
	}

	run := &headRun{
		ctx:     runCtx,
		cancel:  cancel,
		onEvent: onEvent,
		tasks:   make(chan checkTask, s.cfg.TasksBuffer),
		subs:    make(map[string]string),
	}
	s.run = run

	s.startWorkers(run)
	go s.loop(run, sub, headers)
	return nil
}

func (s *Stream) current() (*headRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil, chain.ErrStreamClosed
	}
	return s.run, nil
}

func (s *Stream) Subscribe(_ context.Context, txID string) (string, error) {
	if !reHash.MatchString(txID) {
		return "", fmt.Errorf("subscribe %s: not a 32-byte hash", txID)
	}
	run, err := s.current()
	if err != nil {
		return "", err
	}

	handle := "head-" + strconv.FormatUint(s.nextID.Add(1), 10)

	run.mu.Lock()
	if run.closed {
		run.mu.Unlock()
		return "", chain.ErrStreamClosed
	}
	run.subs[handle] = txID
	run.mu.Unlock()

	// first check right away; if the queue is full the next head covers it
	select {
	case run.tasks <- checkTask{handle: handle, txID: txID}:
	default:
	}
	return handle, nil
}

func (s *Stream) Unsubscribe(_ context.Context, handle string) error {
	run, err := s.current()
	if err != nil {
		return err
	}
	run.mu.Lock()
	delete(run.subs, handle)
	run.mu.Unlock()
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()

	if run == nil {
		return nil
	}
	run.mu.Lock()
	run.closed = true
	run.mu.Unlock()
	run.cancel()
	return nil
}

func (s *Stream) loop(run *headRun, sub ethereum.Subscription, headers <-chan *types.Header) {
	defer sub.Unsubscribe()
	defer run.wg.Wait()
	defer run.cancel()

	for {
		select {
		case <-run.ctx.Done():
			return

		case err := <-sub.Err():
			if err == nil {
				err = errors.New("head subscription ended")
			}
			s.fail(run, err)
			return

		case h := <-headers:
			if h == nil {
				continue
			}
			for _, t := range run.snapshot() {
				select {
				case run.tasks <- t:
				case <-run.ctx.Done():
					return
				}
			}
		}
	}
}

func (r *headRun) snapshot() []checkTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]checkTask, 0, len(r.subs))
	for h, id := range r.subs {
		out = append(out, checkTask{handle: h, txID: id})
	}
	return out
}

func (s *Stream) startWorkers(run *headRun) {
	for i := 0; i < s.cfg.Workers; i++ {
		run.wg.Add(1)
		go func() {
			defer run.wg.Done()
			for {
				select {
				case <-run.ctx.Done():
					return
				case t := <-run.tasks:
					s.check(run, t)
				}
			}
		}()
	}
}

func (s *Stream) check(run *headRun, t checkTask) {
	obs, err := s.fetcher.GetTransactionResult(run.ctx, t.txID)
	if errors.Is(err, chain.ErrNotFound) || run.ctx.Err() != nil {
		return
	}

	ev := chain.Event{TxID: t.txID, Handle: t.handle, Observation: obs, Err: err}

	run.mu.Lock()
	_, live := run.subs[t.handle]
	live = live && !run.closed
	run.mu.Unlock()
	if !live {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("tx_id", t.txID).Msg("status check failed")
	}
	run.onEvent(ev)
}

func (s *Stream) fail(run *headRun, cause error) {
	run.mu.Lock()
	wasClosed := run.closed
	run.closed = true
	run.mu.Unlock()
	run.cancel()

	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	s.mu.Unlock()

	if wasClosed {
		return
	}
	s.log.Warn().Err(cause).Msg("head subscription lost")
	run.onEvent(chain.Event{Err: fmt.Errorf("%w: %v", chain.ErrStreamClosed, cause)})
}
