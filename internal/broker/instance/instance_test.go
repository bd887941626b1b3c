package instance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/broker/client"
	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

// stubRunner replies deterministically and records the prompts it saw.
type stubRunner struct {
	mu      sync.Mutex
	prompts []string
	delay   time.Duration
	err     error
}

func (r *stubRunner) Execute(_ context.Context, prompt string) (client.Result, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	n := len(r.prompts)
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return client.Result{ExitCode: 1}, r.err
	}
	return client.Result{Reply: fmt.Sprintf("reply-%d", n), ExitCode: 0}, nil
}

func (r *stubRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

func newTestInstance(t *testing.T, runner client.Runner, cfg Config) (*Instance, *pubsub.Broker[Event]) {
	t.Helper()
	events := pubsub.NewBroker[Event]()
	t.Cleanup(events.Close)
	return New("sess-1", runner, events, cfg, nil), events
}

func TestInstance_Execute_Success(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50, HistoryPairs: 4})

	reply, count, err := inst.Execute(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "reply-1", reply)
	require.Equal(t, 1, count)
	require.False(t, inst.Busy())

	history := inst.History()
	require.Len(t, history, 2)
	require.Equal(t, domain.RoleUser, history[0].Role)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, domain.RoleAssistant, history[1].Role)
	require.Equal(t, "reply-1", history[1].Content)
}

func TestInstance_Execute_ReplaysHistory(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50, HistoryPairs: 2})

	_, _, err := inst.Execute(context.Background(), "first")
	require.NoError(t, err)
	_, _, err = inst.Execute(context.Background(), "second")
	require.NoError(t, err)

	prompts := runner.seen()
	require.Equal(t, "first", prompts[0], "no history on the first call")
	require.Equal(t, "user: first\nassistant: reply-1\nuser: second", prompts[1])
}

func TestInstance_Execute_HistoryPairSuffix(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50, HistoryPairs: 1})

	for _, prompt := range []string{"a", "b", "c"} {
		_, _, err := inst.Execute(context.Background(), prompt)
		require.NoError(t, err)
	}

	prompts := runner.seen()
	// Only the single most recent pair is replayed
	require.Equal(t, "user: b\nassistant: reply-2\nuser: c", prompts[2])
}

func TestInstance_SeededHistory(t *testing.T) {
	runner := &stubRunner{}
	events := pubsub.NewBroker[Event]()
	defer events.Close()

	seed := []domain.Message{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}
	inst := New("sess-1", runner, events, Config{MaxMessages: 50, HistoryPairs: 4}, seed)

	_, _, err := inst.Execute(context.Background(), "followup")
	require.NoError(t, err)

	require.Equal(t,
		"user: earlier question\nassistant: earlier answer\nuser: followup",
		runner.seen()[0], "recycled sessions keep their context")
}

func TestInstance_Execute_SerializesCalls(t *testing.T) {
	runner := &stubRunner{delay: 50 * time.Millisecond}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := inst.Execute(context.Background(), fmt.Sprintf("p%d", n))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"calls run one at a time, not in parallel")
	require.Equal(t, 3, inst.MessageCount())
}

func TestInstance_Execute_MessageCapMarks(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 2})

	_, _, err := inst.Execute(context.Background(), "one")
	require.NoError(t, err)
	require.False(t, inst.Marked())

	_, count, err := inst.Execute(context.Background(), "two")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.True(t, inst.Marked(), "hitting the cap marks for destroy")

	_, _, err = inst.Execute(context.Background(), "three")
	require.ErrorIs(t, err, ErrDestroyScheduled)
}

func TestInstance_Execute_FailureDoesNotCount(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("tool broke")}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50})

	_, _, err := inst.Execute(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, 0, inst.MessageCount())
	require.Empty(t, inst.History(), "failed exchanges are not recorded")
	require.False(t, inst.Busy())
}

func TestInstance_IdleTimeoutMarks(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50, IdleTimeout: 30 * time.Millisecond})

	require.Eventually(t, inst.Marked, time.Second, 5*time.Millisecond,
		"idle instance is marked for destroy")
}

func TestInstance_ExecuteResetsIdleTimer(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50, IdleTimeout: 80 * time.Millisecond})

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		_, _, err := inst.Execute(context.Background(), "ping")
		require.NoError(t, err)
	}
	require.False(t, inst.Marked(), "activity keeps the instance alive")
}

func TestInstance_LifecycleEvents(t *testing.T) {
	runner := &stubRunner{}
	events := pubsub.NewBroker[Event]()
	defer events.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := events.Subscribe(ctx)

	inst := New("sess-1", runner, events, Config{MaxMessages: 1}, nil)
	_, _, err := inst.Execute(context.Background(), "hello")
	require.NoError(t, err)
	inst.Destroy()

	var types []pubsub.EventType
	deadline := time.After(time.Second)
	for len(types) < 5 {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
			require.Equal(t, inst.ID(), ev.Payload.InstanceID)
		case <-deadline:
			t.Fatalf("timed out, got %v", types)
		}
	}
	require.Equal(t, []pubsub.EventType{
		EventSpawned, EventBusy, EventMarked, EventIdle, EventDestroyed,
	}, types)
}

func TestInstance_DestroyIdempotent(t *testing.T) {
	runner := &stubRunner{}
	inst, _ := newTestInstance(t, runner, Config{MaxMessages: 50})

	require.NotPanics(t, func() {
		inst.Destroy()
		inst.Destroy()
	})
	require.True(t, inst.Marked())
}
