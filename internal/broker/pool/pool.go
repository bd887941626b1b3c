// Package pool owns every live CLI instance. It enforces the instance cap,
// binds sessions to instances, and recycles instances when they hit their
// message, idle, or age limits.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/relay/internal/broker/client"
	"github.com/zjrosen/relay/internal/broker/instance"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

var (
	// ErrCapacityExhausted is returned when the pool is at max instances
	// and no instance is bound to the requested session.
	ErrCapacityExhausted = errors.New("pool at capacity")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("pool is shut down")
)

// RunnerFactory builds the Runner for each new instance.
type RunnerFactory func() client.Runner

// Config bounds the pool.
type Config struct {
	MaxInstances int
	MaxMessages  int
	MaxAge       time.Duration
	IdleTimeout  time.Duration
	HistoryPairs int

	// DestroyRetry is how long to wait before re-attempting teardown of a
	// busy instance.
	DestroyRetry time.Duration

	// ReaperTick is how often the age cap is checked. Zero means one minute.
	ReaperTick time.Duration
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Live      int
	Busy      int
	Idle      int
	Marked    int
	AvgIdle   time.Duration
	Instances []instance.Snapshot
}

// Pool manages the bounded set of instances.
type Pool struct {
	cfg     Config
	factory RunnerFactory
	events  *pubsub.Broker[instance.Event]

	// capacity pulses when an instance frees up or dies. The dispatcher's
	// drainer waits on it instead of retry-polling.
	capacity chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	bySession map[string]*instance.Instance
	byID      map[string]*instance.Instance
}

// New creates the pool and starts its reaper goroutine.
func New(cfg Config, factory RunnerFactory) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		events:    pubsub.NewBroker[instance.Event](),
		capacity:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		bySession: make(map[string]*instance.Instance),
		byID:      make(map[string]*instance.Instance),
	}

	p.wg.Add(1)
	go p.reap()

	return p
}

// Events exposes the lifecycle broker for observers.
func (p *Pool) Events() *pubsub.Broker[instance.Event] {
	return p.events
}

// Capacity returns the channel pulsed whenever a slot may have freed.
func (p *Pool) Capacity() <-chan struct{} {
	return p.capacity
}

// AcquireOrCreate returns the instance bound to key, creating one if the
// pool has room. A bound instance that is marked for destroy is torn down
// and replaced; the seed re-establishes its conversation context.
func (p *Pool) AcquireOrCreate(_ context.Context, key string, seed []domain.Message) (*instance.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if inst, ok := p.bySession[key]; ok {
		if !inst.Marked() {
			return inst, nil
		}
		// Recycle in place so the session does not lose its slot
		delete(p.bySession, key)
		delete(p.byID, inst.ID())
		go p.destroyWithRetry(inst)
	}

	if len(p.byID) >= p.cfg.MaxInstances {
		return nil, ErrCapacityExhausted
	}

	inst := instance.New(key, p.factory(), p.events, instance.Config{
		MaxMessages:  p.cfg.MaxMessages,
		IdleTimeout:  p.cfg.IdleTimeout,
		HistoryPairs: p.cfg.HistoryPairs,
	}, seed)
	p.bySession[key] = inst
	p.byID[inst.ID()] = inst

	log.Info(log.CatPool, "instance bound",
		"instance", inst.ID(), "session", key, "live", len(p.byID))
	return inst, nil
}

// Destroy tears down the instance with the given id. Busy instances are
// retried after the configured delay until the call in flight finishes.
func (p *Pool) Destroy(id string) {
	p.mu.Lock()
	inst, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
		if bound, found := p.bySession[inst.SessionKey()]; found && bound.ID() == id {
			delete(p.bySession, inst.SessionKey())
		}
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	p.destroyWithRetry(inst)
}

// ReclaimIdle marks the least-recently-used idle instance for destroy so
// queued work can take its slot. Returns false when every instance is busy
// or already marked. The session bound to the victim loses its process but
// not its context; the next acquire reseeds from the session store.
func (p *Pool) ReclaimIdle() bool {
	p.mu.Lock()
	var victim *instance.Instance
	var oldest time.Time
	for _, inst := range p.byID {
		snap := inst.Snapshot()
		if snap.Busy || snap.Marked {
			continue
		}
		if victim == nil || snap.LastUsed.Before(oldest) {
			victim = inst
			oldest = snap.LastUsed
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	victim.MarkForDestroy("slot reclaimed for queued work")
	return true
}

// Stats returns a snapshot of every live instance.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	stats := Stats{Instances: make([]instance.Snapshot, 0, len(p.byID))}
	var idleSum time.Duration
	for _, inst := range p.byID {
		snap := inst.Snapshot()
		stats.Instances = append(stats.Instances, snap)
		stats.Live++
		if snap.Busy {
			stats.Busy++
		} else {
			stats.Idle++
			idleSum += now.Sub(snap.LastUsed)
		}
		if snap.Marked {
			stats.Marked++
		}
	}
	if stats.Idle > 0 {
		stats.AvgIdle = idleSum / time.Duration(stats.Idle)
	}
	return stats
}

// Shutdown stops the reaper, refuses new acquires, and force-destroys all
// instances. Safe to call once; later acquires fail ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	instances := make([]*instance.Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		instances = append(instances, inst)
	}
	p.bySession = make(map[string]*instance.Instance)
	p.byID = make(map[string]*instance.Instance)
	p.mu.Unlock()

	log.Info(log.CatPool, "pool shutting down", "live", len(instances))

	p.cancel()
	for _, inst := range instances {
		inst.Destroy()
	}
	p.wg.Wait()
	p.events.Close()
}

// reap consumes lifecycle events and enforces the age cap.
func (p *Pool) reap() {
	defer p.wg.Done()

	sub := p.events.Subscribe(p.ctx)

	tick := p.cfg.ReaperTick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case instance.EventMarked:
				id := ev.Payload.InstanceID
				go p.Destroy(id)
			case instance.EventIdle, instance.EventDestroyed:
				p.signalCapacity()
			}
		case <-ticker.C:
			p.reapAged()
		case <-p.ctx.Done():
			return
		}
	}
}

// reapAged marks instances past the age cap. The resulting lifecycle event
// drives the actual destroy.
func (p *Pool) reapAged() {
	if p.cfg.MaxAge <= 0 {
		return
	}

	p.mu.Lock()
	var aged []*instance.Instance
	now := time.Now()
	for _, inst := range p.byID {
		if !inst.Marked() && inst.Age(now) >= p.cfg.MaxAge {
			aged = append(aged, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range aged {
		log.Info(log.CatPool, "instance past age cap",
			"instance", inst.ID(), "age", inst.Age(now))
		inst.MarkForDestroy("age cap")
	}
}

func (p *Pool) destroyWithRetry(inst *instance.Instance) {
	if inst.Busy() {
		inst.MarkForDestroy("destroy requested while busy")
		retry := p.cfg.DestroyRetry
		if retry <= 0 {
			retry = 2 * time.Second
		}
		log.Debug(log.CatPool, "instance busy, destroy deferred",
			"instance", inst.ID(), "retry", retry)
		time.AfterFunc(retry, func() {
			select {
			case <-p.ctx.Done():
				// Shutdown already force-destroyed everything
				inst.Destroy()
			default:
				p.destroyWithRetry(inst)
			}
		})
		return
	}

	inst.Destroy()
	p.signalCapacity()
}

func (p *Pool) signalCapacity() {
	select {
	case p.capacity <- struct{}{}:
	default:
	}
}
