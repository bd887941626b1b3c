package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDispatcher tracks the call order the coordinator follows.
type fakeDispatcher struct {
	mu       sync.Mutex
	order    *[]string
	inFlight atomic.Int64
	queued   int
}

func (f *fakeDispatcher) record(step string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.order = append(*f.order, step)
}

func (f *fakeDispatcher) StopIntake()     { f.record("stop-intake") }
func (f *fakeDispatcher) FailQueued() int { f.record("fail-queued"); return f.queued }
func (f *fakeDispatcher) InFlight() int   { return int(f.inFlight.Load()) }
func (f *fakeDispatcher) Close()          { f.record("dispatcher-close") }

type fakePool struct {
	dispatcher *fakeDispatcher
}

func (p *fakePool) Shutdown() { p.dispatcher.record("pool-shutdown") }

func TestCoordinator_Run_Order(t *testing.T) {
	var order []string
	d := &fakeDispatcher{order: &order, queued: 2}
	p := &fakePool{dispatcher: d}

	closed := false
	c := New(Config{Grace: 100 * time.Millisecond, HardTimeout: time.Second}, d, p,
		func() error { d.record("closer"); closed = true; return nil })

	require.NoError(t, c.Run(context.Background()))
	require.True(t, closed)
	require.Equal(t, []string{
		"stop-intake", "fail-queued", "pool-shutdown", "dispatcher-close", "closer",
	}, order)
}

func TestCoordinator_Run_WaitsForInFlight(t *testing.T) {
	var order []string
	d := &fakeDispatcher{order: &order}
	d.inFlight.Store(1)
	p := &fakePool{dispatcher: d}

	// The in-flight call finishes half way through the grace window
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.inFlight.Store(0)
	}()

	c := New(Config{Grace: time.Second, HardTimeout: 5 * time.Second}, d, p)

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "waited for the call")
	require.Less(t, elapsed, time.Second, "did not burn the whole grace window")
}

func TestCoordinator_Run_GraceElapses(t *testing.T) {
	var order []string
	d := &fakeDispatcher{order: &order}
	d.inFlight.Store(1) // never finishes
	p := &fakePool{dispatcher: d}

	c := New(Config{Grace: 80 * time.Millisecond, HardTimeout: 5 * time.Second}, d, p)

	require.NoError(t, c.Run(context.Background()))
	require.Contains(t, order, "pool-shutdown", "pool is force-terminated after grace")
}

func TestCoordinator_Run_HardTimeout(t *testing.T) {
	var order []string
	d := &fakeDispatcher{order: &order}
	d.inFlight.Store(1)
	p := &fakePool{dispatcher: d}

	// Grace longer than the hard timeout: the hard timeout must win
	c := New(Config{Grace: 10 * time.Second, HardTimeout: 100 * time.Millisecond}, d, p)

	err := c.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "hard timeout")
}

func TestCoordinator_Run_CloserErrors(t *testing.T) {
	var order []string
	d := &fakeDispatcher{order: &order}
	p := &fakePool{dispatcher: d}

	second := false
	c := New(Config{Grace: 50 * time.Millisecond, HardTimeout: time.Second}, d, p,
		func() error { return errors.New("flush failed") },
		func() error { second = true; return nil })

	require.NoError(t, c.Run(context.Background()), "closer errors are logged, not fatal")
	require.True(t, second, "remaining closers still run")
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, &fakeDispatcher{order: &[]string{}}, &fakePool{})
	require.Equal(t, DefaultGrace, c.cfg.Grace)
	require.Equal(t, DefaultHardTimeout, c.cfg.HardTimeout)
}
