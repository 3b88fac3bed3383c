package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	tgbot "github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pvzzle/txmonitor/internal/bus"
	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/chain/evm"
	"github.com/pvzzle/txmonitor/internal/chain/flow"
	"github.com/pvzzle/txmonitor/internal/metrics"
	"github.com/pvzzle/txmonitor/internal/monitor"
	"github.com/pvzzle/txmonitor/internal/poll"
	"github.com/pvzzle/txmonitor/internal/push"
	"github.com/pvzzle/txmonitor/internal/statestore"
	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/storage/file"
	"github.com/pvzzle/txmonitor/internal/storage/pg"
	"github.com/pvzzle/txmonitor/internal/storage/sqlite"
	"github.com/pvzzle/txmonitor/internal/tg"
	"github.com/pvzzle/txmonitor/internal/workqueue"
)

const sqliteFilename = "txmonitor.db"

// App is a fully wired monitor with its storage, chain backend and
// optional surfaces.
type App struct {
	Monitor  *monitor.Monitor
	Outcomes storage.OutcomeRepository

	cfg      Config
	log      zerolog.Logger
	registry *prometheus.Registry

	notifier *tg.Notifier
	notifyCh chan bus.Notification
	pushing  bool

	closers []func()
}

// New builds every component from cfg. Nothing runs until Reload.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	stateRepo, outcomes, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.Outcomes = outcomes

	fetcher, stream, err := a.openChain(ctx)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	m, err := metrics.New(metrics.Namespace, a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var pusher monitor.Pusher
	if stream != nil {
		callbacks := workqueue.NewPool(1, cfg.CallbackBuffer)
		ch := push.New(stream, callbacks, log)
		a.closers = append(a.closers, ch.Close, callbacks.Stop)
		pusher = ch
		a.pushing = true
	}

	poller := poll.New(fetcher, poll.Config{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
		RPS:         cfg.PollRPS,
		MaxInFlight: cfg.PollMaxInFlight,
		CallTimeout: cfg.CallTimeout,
	}, m, log)

	var hooks []monitor.SettlementHook
	if outcomes != nil {
		hooks = append(hooks, monitor.NewOutcomeRecorder(outcomes, log))
	}
	hooks = append(hooks, refreshHooks(m, log)...)
	if cfg.TelegramToken != "" {
		a.notifyCh = make(chan bus.Notification, cfg.NotifyBuffer)
		a.notifier = tg.NewNotifier(a.notifyCh, cfg.TelegramChatIDs, log)
		hooks = append(hooks, a.notifier)
	}

	dispatch := workqueue.NewPool(1, cfg.CallbackBuffer)
	a.closers = append(a.closers, dispatch.Stop)

	a.Monitor = monitor.New(statestore.New(stateRepo, log), pusher, poller, monitor.Config{
		SettleDelay: cfg.SettleDelay,
		Dispatch:    dispatch,
		IO:          workqueue.Spawn{},
		Hooks:       hooks,
		Metrics:     m,
	}, log)
	// the monitor stops before the pools it submits to
	a.closers = append(a.closers, a.Monitor.Close)

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage.StateRepository, storage.OutcomeRepository, error) {
	switch a.cfg.StoreDriver {
	case StoreFile:
		st, err := file.New(a.cfg.StateDir)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		return st, nil, nil

	case StoreSQLite:
		st, err := sqlite.OpenFile(a.cfg.StateDir, sqliteFilename)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return st, st, nil

	case StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool new: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		repo := pg.New(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, repo, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
}

// OpenStore loads the persisted tracked set without starting any
// monitoring. The returned func releases the storage.
func OpenStore(ctx context.Context, cfg Config, log zerolog.Logger) (*statestore.Store, func(), error) {
	a := &App{cfg: cfg, log: log}
	repo, _, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	st := statestore.New(repo, log)
	if _, err := st.Load(ctx); err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	return st, a.Close, nil
}

// openChain returns the backend's fetcher and, when a streaming endpoint is
// configured, its push stream.
func (a *App) openChain(ctx context.Context) (chain.ResultFetcher, chain.Stream, error) {
	switch a.cfg.ChainBackend {
	case BackendFlow:
		fetcher := flow.NewClient(a.cfg.FlowAccessURL, a.cfg.CallTimeout)
		if a.cfg.FlowWSURL == "" {
			return fetcher, nil, nil
		}
		return fetcher, flow.NewStream(a.cfg.FlowWSURL, a.log), nil

	case BackendEVM:
		url := a.cfg.EthWSURL
		if url == "" {
			url = a.cfg.EthRPCURL
		}
		cl, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial eth: %w", err)
		}
		a.closers = append(a.closers, cl.Close)

		fetcher := evm.NewFetcher(cl, a.cfg.EVMSealConfirmations)
		// new heads need a websocket connection
		if a.cfg.EthWSURL == "" {
			return fetcher, nil, nil
		}
		return fetcher, evm.NewStream(cl, fetcher, evm.StreamConfig{
			Workers:     a.cfg.EVMWorkers,
			TasksBuffer: a.cfg.EVMTasksBuffer,
		}, a.log), nil
	}
	return nil, nil, fmt.Errorf("unknown chain backend %q", a.cfg.ChainBackend)
}

// Close releases everything New opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Serve runs the optional surfaces until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.TelegramToken != "" {
		b, err := tgbot.New(a.cfg.TelegramToken,
			tgbot.WithWorkers(4),
			tgbot.WithNotAsyncHandlers(),
		)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}
		svc := tg.NewService(b, a.Monitor, a.notifier, a.notifyCh, a.Outcomes, a.log)

		g.Go(func() error {
			svc.StartNotifyLoop(ctx)
			return nil
		})
		g.Go(func() error {
			b.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Monitor.Reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	log.Info().
		Str("backend", cfg.ChainBackend).
		Str("store", cfg.StoreDriver).
		Bool("push", a.pushing).
		Int("tracked", len(a.Monitor.ListAll())).
		Msg("started")

	return a.Serve(ctx)
}
