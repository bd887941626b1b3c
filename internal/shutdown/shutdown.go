// Package shutdown drains the broker in order: stop intake, fail queued
// work, wait out in-flight calls, tear down the pool, then flush and close
// the stores. A hard timeout forces completion regardless.
package shutdown

import (
	"context"
	"time"

	"github.com/zjrosen/relay/internal/fault"
	"github.com/zjrosen/relay/internal/log"
)

const (
	// DefaultGrace is how long in-flight CLI calls get to finish.
	DefaultGrace = 10 * time.Second

	// DefaultHardTimeout bounds the entire shutdown sequence.
	DefaultHardTimeout = 30 * time.Second

	// inFlightPollInterval is how often the coordinator re-checks for
	// outstanding requests during the grace window.
	inFlightPollInterval = 50 * time.Millisecond
)

// Config bounds the shutdown sequence.
type Config struct {
	Grace       time.Duration
	HardTimeout time.Duration
}

// Dispatcher is the subset of the dispatcher the coordinator drives.
type Dispatcher interface {
	StopIntake()
	FailQueued() int
	InFlight() int
	Close()
}

// Pool is the subset of the instance pool the coordinator drives.
type Pool interface {
	Shutdown()
}

// Coordinator runs the shutdown sequence once.
type Coordinator struct {
	cfg        Config
	dispatcher Dispatcher
	pool       Pool
	closers    []func() error
}

// New creates a coordinator. Closers run last, in order; they flush and
// close the stores, the usage logger, and the database.
func New(cfg Config, dispatcher Dispatcher, pool Pool, closers ...func() error) *Coordinator {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	return &Coordinator{
		cfg:        cfg,
		dispatcher: dispatcher,
		pool:       pool,
		closers:    closers,
	}
}

// Run executes the shutdown sequence. Returns an error only when the hard
// timeout fires before the sequence completes; teardown keeps going in the
// background either way.
func (c *Coordinator) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sequence(ctx)
	}()

	select {
	case <-done:
		log.Info(log.CatShutdown, "shutdown complete")
		return nil
	case <-time.After(c.cfg.HardTimeout):
		log.Error(log.CatShutdown, "hard timeout reached, forcing exit",
			"timeout", c.cfg.HardTimeout)
		return fault.Newf(fault.Internal, "shutdown exceeded hard timeout %s", c.cfg.HardTimeout)
	}
}

func (c *Coordinator) sequence(ctx context.Context) {
	log.Info(log.CatShutdown, "shutdown started", "grace", c.cfg.Grace)

	c.dispatcher.StopIntake()
	if failed := c.dispatcher.FailQueued(); failed > 0 {
		log.Warn(log.CatShutdown, "failed queued requests", "count", failed)
	}

	c.awaitInFlight(ctx)

	c.pool.Shutdown()
	c.dispatcher.Close()

	for _, closer := range c.closers {
		if err := closer(); err != nil {
			log.ErrorErr(log.CatShutdown, "closer failed during shutdown", err)
		}
	}
}

// awaitInFlight waits up to the grace period for running calls to finish.
func (c *Coordinator) awaitInFlight(ctx context.Context) {
	deadline := time.After(c.cfg.Grace)
	ticker := time.NewTicker(inFlightPollInterval)
	defer ticker.Stop()

	for {
		inFlight := c.dispatcher.InFlight()
		if inFlight == 0 {
			return
		}

		select {
		case <-ticker.C:
		case <-deadline:
			log.Warn(log.CatShutdown, "grace period elapsed, force-terminating",
				"inFlight", inFlight)
			return
		case <-ctx.Done():
			return
		}
	}
}
