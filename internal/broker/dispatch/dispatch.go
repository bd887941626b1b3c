// Package dispatch orchestrates one submission end to end: credential
// gate, rate limits, session lookup, pool acquire, execute, persistence,
// and the request registry that pollers read.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/relay/internal/broker/pool"
	"github.com/zjrosen/relay/internal/credential"
	"github.com/zjrosen/relay/internal/fault"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/ratelimit"
	"github.com/zjrosen/relay/internal/sessions"
	"github.com/zjrosen/relay/internal/sessions/domain"
	"github.com/zjrosen/relay/internal/tracing"
)

// capacityPollInterval bounds how long the drainer sleeps when a capacity
// pulse is missed.
const capacityPollInterval = 250 * time.Millisecond

// Config bounds the dispatcher.
type Config struct {
	// QueueMax is the FIFO depth; submissions beyond it fail fast.
	QueueMax int

	// ResultRetention is how long terminal records stay pollable.
	ResultRetention time.Duration

	// RequestDeadline is the hard wall-clock bound from submit to a
	// terminal state, queued time included.
	RequestDeadline time.Duration

	// RateLimitWindow is the sliding-window width for both limiters.
	RateLimitWindow time.Duration

	// PerCredentialCeiling is the default allowed submissions per window
	// per credential. A credential's CeilingOverride takes precedence.
	PerCredentialCeiling int

	// PerAddressCeiling is the allowed submissions per window per remote
	// address. Zero disables the address limiter.
	PerAddressCeiling int
}

// Submission is one client-originated request.
type Submission struct {
	Secret      string
	ToolID      string
	SessionID   string
	Prompt      string
	Options     Options
	Stream      bool
	RemoteAddr  string
	ClientLabel string
}

// Outcome is what Submit returns: a completed reply, or a queued handle
// the caller polls.
type Outcome struct {
	Status    Status
	RequestID string
	Reply     string
	Usage     Usage
	ToolID    string
	SessionID string
	Latency   time.Duration
}

// Dispatcher routes submissions through the gates onto the pool.
type Dispatcher struct {
	cfg      Config
	creds    *credential.Store
	sessions *sessions.Store
	pool     *pool.Pool
	registry *Registry
	tracer   trace.Tracer

	credLimiter *ratelimit.Limiter
	addrLimiter *ratelimit.Limiter

	queue  chan *workItem
	queued atomic.Int64

	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// workItem is an admitted submission waiting for pool capacity.
type workItem struct {
	requestID string
	sub       Submission
	cred      *credential.Credential
	session   *domain.Session
	deadline  time.Time
}

// New creates the dispatcher and starts its drainer goroutine.
func New(cfg Config, creds *credential.Store, sessionStore *sessions.Store, p *pool.Pool, tp *tracing.Provider) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		creds:       creds,
		sessions:    sessionStore,
		pool:        p,
		registry:    NewRegistry(cfg.ResultRetention),
		tracer:      tp.Tracer(),
		credLimiter: ratelimit.NewLimiter(cfg.RateLimitWindow),
		addrLimiter: ratelimit.NewLimiter(cfg.RateLimitWindow),
		queue:       make(chan *workItem, cfg.QueueMax+1),
		done:        make(chan struct{}),
	}

	d.wg.Add(1)
	go d.drain()

	return d
}

// Registry exposes the request registry for polling.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// InFlight returns how many requests have not reached a terminal state.
func (d *Dispatcher) InFlight() int {
	return d.registry.Live()
}

// Submit runs one submission through the full pipeline. Completed calls
// return synchronously; capacity exhaustion returns a queued outcome whose
// request id the caller polls.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, tracing.SpanSubmit,
		trace.WithAttributes(attribute.String(tracing.AttrToolID, sub.ToolID)))
	defer span.End()

	if d.stopped.Load() {
		return Outcome{}, fault.New(fault.ShuttingDown, "service is draining")
	}
	if strings.TrimSpace(sub.Prompt) == "" {
		return Outcome{}, fault.New(fault.Validation, "prompt must not be empty")
	}
	if err := sub.Options.Validate(); err != nil {
		return Outcome{}, err
	}

	cred, err := d.creds.Validate(ctx, sub.Secret)
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(fault.KindOf(err))))
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String(tracing.AttrCredentialID, cred.ID))

	now := time.Now()
	ceiling := d.cfg.PerCredentialCeiling
	if cred.CeilingOverride != nil {
		ceiling = *cred.CeilingOverride
	}
	if dec := d.credLimiter.Allow("cred:"+cred.ID, ceiling, now); !dec.Allowed {
		d.recordUsage(cred.ID, "", sub, 429, Usage{}, 0, "credential ceiling reached")
		return Outcome{}, fault.Newf(fault.RateLimited,
			"credential ceiling %d reached, resets at %s", ceiling, dec.ResetAt.Format(time.RFC3339))
	}
	if d.cfg.PerAddressCeiling > 0 && sub.RemoteAddr != "" {
		if dec := d.addrLimiter.Allow("addr:"+sub.RemoteAddr, d.cfg.PerAddressCeiling, now); !dec.Allowed {
			d.recordUsage(cred.ID, "", sub, 429, Usage{}, 0, "address ceiling reached")
			return Outcome{}, fault.Newf(fault.RateLimited,
				"address ceiling %d reached, resets at %s", d.cfg.PerAddressCeiling, dec.ResetAt.Format(time.RFC3339))
		}
	}

	var session *domain.Session
	if sub.SessionID != "" {
		session, err = d.sessions.Get(ctx, cred.ID, sub.SessionID)
		if err != nil {
			d.recordUsage(cred.ID, "", sub, 404, Usage{}, 0, "session lookup failed")
			span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(fault.NoSuchSession)))
			return Outcome{}, fault.Wrap(fault.NoSuchSession, "session lookup failed", err)
		}
	}

	requestID := uuid.NewString()
	span.SetAttributes(attribute.String(tracing.AttrRequestID, requestID))
	d.registry.Create(&Record{
		ID:           requestID,
		ToolID:       sub.ToolID,
		SessionID:    sub.SessionID,
		CredentialID: cred.ID,
		Prompt:       sub.Prompt,
		Status:       StatusQueued,
		SubmittedAt:  now,
	})

	item := &workItem{
		requestID: requestID,
		sub:       sub,
		cred:      cred,
		session:   session,
		deadline:  now.Add(d.cfg.RequestDeadline),
	}

	outcome, err := d.run(ctx, item)
	if errors.Is(err, pool.ErrCapacityExhausted) {
		// The drainer may be holding one item outside the channel, so the
		// back-pressure bound is the counter, not the channel capacity.
		if int(d.queued.Load()) >= d.cfg.QueueMax {
			d.registry.Fail(requestID, fault.CapacityExhausted, "dispatch queue full")
			d.recordUsage(cred.ID, requestID, sub, fault.CapacityExhausted.StatusCode(), Usage{}, 0, "dispatch queue full")
			return Outcome{}, fault.New(fault.CapacityExhausted, "dispatch queue full")
		}
		d.queued.Add(1)
		d.queue <- item
		span.SetAttributes(attribute.Bool(tracing.AttrQueued, true))
		log.Info(log.CatDispatch, "request queued",
			"request", requestID, "depth", d.queued.Load())
		return Outcome{Status: StatusQueued, RequestID: requestID, ToolID: sub.ToolID, SessionID: sub.SessionID}, nil
	}

	if err != nil {
		span.SetAttributes(
			attribute.String(tracing.AttrOutcome, string(StatusFailed)),
			attribute.String(tracing.AttrErrorKind, string(fault.KindOf(err))),
		)
		return outcome, err
	}
	span.SetAttributes(attribute.String(tracing.AttrOutcome, string(outcome.Status)))
	return outcome, nil
}

// Poll returns the record for a request id, or false if it was never known
// or its retention window has elapsed.
func (d *Dispatcher) Poll(id string) (Record, bool) {
	return d.registry.Get(id)
}

// Cancel aborts a request that is still queued. Running calls are never
// interrupted.
func (d *Dispatcher) Cancel(id string) error {
	return d.registry.Cancel(id)
}

// StopIntake makes every subsequent Submit fail with ShuttingDown.
func (d *Dispatcher) StopIntake() {
	d.stopped.Store(true)
}

// FailQueued drains the FIFO and fails every waiting request. Called by
// the shutdown coordinator after intake stops.
func (d *Dispatcher) FailQueued() int {
	failed := 0
	for {
		select {
		case item := <-d.queue:
			d.queued.Add(-1)
			d.registry.Fail(item.requestID, fault.ShuttingDown, "service shut down before dispatch")
			d.recordUsage(item.cred.ID, item.requestID, item.sub, fault.ShuttingDown.StatusCode(), Usage{}, 0, "service shut down before dispatch")
			failed++
		default:
			return failed
		}
	}
}

// Close stops intake and the drainer. Queued requests still waiting are
// failed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.stopped.Store(true)
		close(d.done)
		d.wg.Wait()
		d.FailQueued()
	})
}

// run executes one admitted item. Returns pool.ErrCapacityExhausted
// untouched so the caller can queue.
func (d *Dispatcher) run(ctx context.Context, item *workItem) (Outcome, error) {
	key := item.sub.SessionID
	if key == "" {
		key = item.requestID
	}

	var seed []domain.Message
	if item.session != nil {
		seed = item.session.Context()
	}

	inst, err := d.pool.AcquireOrCreate(ctx, key, seed)
	if errors.Is(err, pool.ErrCapacityExhausted) {
		return Outcome{}, err
	}
	if err != nil {
		d.registry.Fail(item.requestID, fault.ShuttingDown, "pool closed")
		d.recordUsage(item.cred.ID, item.requestID, item.sub, fault.ShuttingDown.StatusCode(), Usage{}, 0, "pool closed")
		return Outcome{}, fault.Wrap(fault.ShuttingDown, "pool closed", err)
	}

	d.registry.MarkRunning(item.requestID)

	// The call context deliberately ignores the caller's: a disconnect
	// must not halt a running CLI call. The request deadline still bounds
	// the call.
	callCtx, cancel := context.WithDeadline(context.Background(), item.deadline)
	defer cancel()

	start := time.Now()
	reply, _, err := inst.Execute(callCtx, item.sub.Prompt)
	if err != nil {
		kind := fault.KindOf(err)
		if kind == "" || kind == fault.Validation {
			kind = fault.Internal
		}
		if kind == fault.CLITimeout {
			// A stuck child taints the instance regardless of recycling state
			d.pool.Destroy(inst.ID())
		}
		d.registry.Fail(item.requestID, kind, err.Error())
		d.recordUsage(item.cred.ID, item.requestID, item.sub, kind.StatusCode(), Usage{}, time.Since(start), err.Error())
		log.ErrorErr(log.CatDispatch, "request failed", err,
			"request", item.requestID, "kind", string(kind))
		return Outcome{}, err
	}

	if item.session != nil {
		now := time.Now()
		appendErr := d.sessions.Append(ctx, item.cred.ID, item.sub.SessionID,
			domain.Message{Role: domain.RoleUser, Content: item.sub.Prompt, Timestamp: now},
			domain.Message{Role: domain.RoleAssistant, Content: reply, Timestamp: now},
		)
		if appendErr != nil {
			// The reply is already produced; losing context beats losing it
			log.ErrorErr(log.CatDispatch, "failed to append session context", appendErr,
				"request", item.requestID, "session", item.sub.SessionID)
		}
	}

	usage := countUsage(item.sub.Prompt, reply)
	d.registry.Complete(item.requestID, reply, usage)
	d.recordUsage(item.cred.ID, item.requestID, item.sub, 200, usage, time.Since(start), "")

	return Outcome{
		Status:    StatusCompleted,
		RequestID: item.requestID,
		Reply:     reply,
		Usage:     usage,
		ToolID:    item.sub.ToolID,
		SessionID: item.sub.SessionID,
		Latency:   time.Since(start),
	}, nil
}

// drain picks queued submissions FIFO and runs them as capacity frees up.
func (d *Dispatcher) drain() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case item := <-d.queue:
			d.runQueued(item)
		}
	}
}

func (d *Dispatcher) runQueued(item *workItem) {
	defer d.queued.Add(-1)

	for {
		if rec, ok := d.registry.Get(item.requestID); ok && rec.Status == StatusCancelled {
			return
		}
		if d.stopped.Load() {
			d.registry.Fail(item.requestID, fault.ShuttingDown, "service shut down before dispatch")
			d.recordUsage(item.cred.ID, item.requestID, item.sub, fault.ShuttingDown.StatusCode(), Usage{}, 0, "service shut down before dispatch")
			return
		}
		if time.Now().After(item.deadline) {
			d.registry.Fail(item.requestID, fault.DeadlineExceeded, "request deadline elapsed while queued")
			d.recordUsage(item.cred.ID, item.requestID, item.sub, fault.DeadlineExceeded.StatusCode(), Usage{}, 0, "request deadline elapsed while queued")
			return
		}

		_, err := d.run(context.Background(), item)
		if !errors.Is(err, pool.ErrCapacityExhausted) {
			return
		}

		// Every slot is taken. An idle instance can yield its slot to
		// queued work; its destroy pulses the capacity channel.
		d.pool.ReclaimIdle()

		select {
		case <-d.pool.Capacity():
		case <-time.After(capacityPollInterval):
		case <-d.done:
			d.registry.Fail(item.requestID, fault.ShuttingDown, "service shut down before dispatch")
			d.recordUsage(item.cred.ID, item.requestID, item.sub, fault.ShuttingDown.StatusCode(), Usage{}, 0, "service shut down before dispatch")
			return
		}
	}
}

func (d *Dispatcher) recordUsage(credentialID, requestID string, sub Submission, status int, usage Usage, latency time.Duration, errMsg string) {
	d.creds.RecordUse(&credential.UsageRecord{
		CredentialID: credentialID,
		RequestID:    requestID,
		ToolID:       sub.ToolID,
		Status:       status,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Latency:      latency,
		ErrorMessage: errMsg,
		RemoteAddr:   sub.RemoteAddr,
		ClientLabel:  sub.ClientLabel,
	})
}

// countUsage approximates token counts from whitespace-delimited words.
// The CLI emits no token accounting, so the counters are advisory.
func countUsage(prompt, reply string) Usage {
	in := len(strings.Fields(prompt))
	out := len(strings.Fields(reply))
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
