package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/relay/internal/broker/client"
	"github.com/zjrosen/relay/internal/broker/dispatch"
	"github.com/zjrosen/relay/internal/broker/pool"
	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/credential"
	"github.com/zjrosen/relay/internal/infrastructure/sqlite"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/sessions"
	"github.com/zjrosen/relay/internal/shutdown"
	"github.com/zjrosen/relay/internal/tracing"
	"github.com/zjrosen/relay/internal/watcher"
)

// usageLogBuffer bounds the async usage logger channel.
const usageLogBuffer = 256

// statsInterval is how often the serve loop logs pool stats.
const statsInterval = time.Minute

// selfWriteWindow is how recently this process must have written the
// database for a watcher pulse to be attributed to our own writes. The
// broker appends a usage row per submission, so pulses under steady
// traffic are almost always self-inflicted.
const selfWriteWindow = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker daemon",
	Long: `Run the broker as a foreground daemon. It opens the database,
spins up the instance pool and dispatcher, and accepts submissions
until interrupted.

Example:
  relay serve
  relay serve --config /etc/relay/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// broker is the fully wired object graph the serve command runs.
type broker struct {
	db         *sqlite.DB
	usageLog   *credential.UsageLogger
	creds      *credential.Store
	sessions   *sessions.Store
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	tracer     *tracing.Provider
	watcher    *watcher.Watcher

	// flushSuppress is the self-write attribution window, selfWriteWindow
	// in production.
	flushSuppress time.Duration
}

// buildBroker wires the stores, the pool, and the dispatcher from config.
func buildBroker(cfg config.Config) (*broker, error) {
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	usageLog := credential.NewUsageLogger(db.CredentialRepository(), db.UsageRepository(), usageLogBuffer)
	creds := credential.NewStore(db.CredentialRepository(), usageLog, credential.StoreConfig{
		CacheTTL: cfg.Credentials.CacheTTL,
	})

	sessionStore := sessions.NewStore(db.SessionRepository(), sessions.Config{
		DefaultTTL:    cfg.Sessions.DefaultTTL,
		MinTTL:        cfg.Sessions.MinTTL,
		MaxTTL:        cfg.Sessions.MaxTTL,
		ContextCap:    cfg.Sessions.ContextCap,
		SweepInterval: cfg.Sessions.SweepInterval,
		CacheTTL:      cfg.Sessions.CacheTTL,
	})

	tracingCfg := cfg.Tracing
	if tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      tracingCfg.Enabled,
		Exporter:     tracingCfg.Exporter,
		FilePath:     tracingCfg.FilePath,
		OTLPEndpoint: tracingCfg.OTLPEndpoint,
		SampleRate:   tracingCfg.SampleRate,
		ServiceName:  "relay",
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	p := pool.New(pool.Config{
		MaxInstances: cfg.Pool.MaxInstances,
		MaxMessages:  cfg.Pool.MaxMessagesPerInstance,
		MaxAge:       cfg.Pool.MaxInstanceAge,
		IdleTimeout:  cfg.Pool.IdleTimeout,
		HistoryPairs: cfg.CLI.HistoryPairs,
		DestroyRetry: cfg.Pool.DestroyRetry,
	}, func() client.Runner {
		return client.NewExecRunner(client.Config{
			Command:   cfg.CLI.Command,
			Args:      cfg.CLI.Args,
			Env:       cfg.CLI.Env,
			WorkDir:   cfg.CLI.WorkDir,
			ConfigDir: cfg.CLI.ConfigDir,
			Timeout:   cfg.Dispatch.PerCallTimeout,
		})
	})

	dispatcher := dispatch.New(dispatch.Config{
		QueueMax:             cfg.Dispatch.QueueMax,
		ResultRetention:      cfg.Dispatch.ResultRetention,
		RequestDeadline:      cfg.Dispatch.MaxCallTimeout,
		RateLimitWindow:      cfg.RateLimit.Window,
		PerCredentialCeiling: cfg.RateLimit.PerCredentialCeiling,
		PerAddressCeiling:    cfg.RateLimit.PerAddressCeiling,
	}, creds, sessionStore, p, tracer)

	return &broker{
		db:            db,
		usageLog:      usageLog,
		creds:         creds,
		sessions:      sessionStore,
		pool:          p,
		dispatcher:    dispatcher,
		tracer:        tracer,
		flushSuppress: selfWriteWindow,
	}, nil
}

// start begins the background workers: the session sweeper and the
// database file watcher that invalidates caches on external writes.
func (b *broker) start(ctx context.Context) error {
	b.sessions.StartSweeper(ctx)

	w, err := watcher.New(watcher.DefaultConfig(b.db.Path()))
	if err != nil {
		return fmt.Errorf("creating database watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting database watcher: %w", err)
	}
	b.watcher = w

	go func() {
		for range changes {
			b.flushOnExternalChange(ctx)
		}
	}()

	return nil
}

// flushOnExternalChange drops the credential cache when a database change
// looks external, so admin edits via sqlite3 take effect within the debounce
// window. Pulses that closely follow our own writes are ignored: the broker
// itself appends usage rows continuously, and flushing on those would defeat
// the cache entirely. The session cache is never flushed here; this process
// is the only session writer. Reports whether it flushed.
func (b *broker) flushOnExternalChange(ctx context.Context) bool {
	if time.Since(b.db.LastWrite()) < b.flushSuppress {
		log.Debug(log.CatWatcher, "database change follows own write, keeping caches")
		return false
	}
	log.Debug(log.CatWatcher, "external database change, flushing credential cache")
	b.creds.FlushCache(ctx)
	return true
}

// coordinator builds the shutdown sequence for this graph.
func (b *broker) coordinator(cfg config.Config) *shutdown.Coordinator {
	closers := []func() error{
		func() error { b.sessions.Stop(); return nil },
		func() error { b.usageLog.Close(); return nil },
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.tracer.Shutdown(ctx)
		},
		b.db.Close,
	}
	if b.watcher != nil {
		closers = append([]func() error{b.watcher.Stop}, closers...)
	}
	return shutdown.New(shutdown.Config{
		Grace:       cfg.Shutdown.Grace,
		HardTimeout: cfg.Shutdown.HardTimeout,
	}, b.dispatcher, b.pool, closers...)
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := log.Init(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	debug := os.Getenv("RELAY_DEBUG") != "" || debugFlag
	if !debug {
		log.SetMinLevel(log.LevelInfo)
	}
	log.Info(log.CatConfig, "relay starting",
		"db", cfg.DBPath, "cli", cfg.CLI.Command, "debug", debug)

	b, err := buildBroker(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Relay broker started (cli: %s, max instances: %d)\n",
		cfg.CLI.Command, cfg.Pool.MaxInstances)
	fmt.Println("Press Ctrl+C to stop")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
			if err := b.coordinator(cfg).Run(context.Background()); err != nil {
				return err
			}
			fmt.Println("Broker stopped")
			return nil
		case <-ticker.C:
			stats := b.pool.Stats()
			log.Info(log.CatPool, "pool stats",
				"live", stats.Live, "busy", stats.Busy, "idle", stats.Idle,
				"marked", stats.Marked, "avgIdle", stats.AvgIdle,
				"inFlight", b.dispatcher.InFlight())
		}
	}
}
