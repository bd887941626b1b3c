package dispatch

import (
	"context"
	"time"

	"github.com/zjrosen/relay/internal/fault"
)

// FrameType identifies one delivery frame in a streamed response.
type FrameType string

const (
	FrameQueued FrameType = "queued"
	FrameText   FrameType = "text"
	FrameDone   FrameType = "done"
	FrameError  FrameType = "error"
)

// Frame is one unit of a streamed response. Text carries the full reply;
// chunked token delivery would reuse the same frame shape.
type Frame struct {
	Type      FrameType
	RequestID string
	Text      string
	Usage     Usage
	ErrKind   fault.Kind
	Message   string
}

// streamPollInterval is how often a queued streaming request re-checks its
// record for a terminal state.
const streamPollInterval = 50 * time.Millisecond

// SubmitStream runs the submission and delivers the outcome as frames. The
// channel closes after the terminal frame. Failures, including gate
// rejections, arrive as an error frame.
func (d *Dispatcher) SubmitStream(ctx context.Context, sub Submission) <-chan Frame {
	sub.Stream = true
	ch := make(chan Frame, 4)

	go func() {
		defer close(ch)

		outcome, err := d.Submit(ctx, sub)
		if err != nil {
			kind := fault.KindOf(err)
			if kind == "" {
				kind = fault.Internal
			}
			ch <- Frame{Type: FrameError, ErrKind: kind, Message: err.Error()}
			return
		}

		if outcome.Status == StatusQueued {
			ch <- Frame{Type: FrameQueued, RequestID: outcome.RequestID}
			rec, ok := d.awaitTerminal(ctx, outcome.RequestID)
			if !ok {
				ch <- Frame{Type: FrameError, RequestID: outcome.RequestID,
					ErrKind: fault.Internal, Message: "request record lost"}
				return
			}
			switch rec.Status {
			case StatusCompleted:
				ch <- Frame{Type: FrameText, RequestID: rec.ID, Text: rec.Reply}
				ch <- Frame{Type: FrameDone, RequestID: rec.ID, Usage: rec.Usage}
			default:
				ch <- Frame{Type: FrameError, RequestID: rec.ID,
					ErrKind: rec.ErrKind, Message: rec.ErrMessage}
			}
			return
		}

		ch <- Frame{Type: FrameText, RequestID: outcome.RequestID, Text: outcome.Reply}
		ch <- Frame{Type: FrameDone, RequestID: outcome.RequestID, Usage: outcome.Usage}
	}()

	return ch
}

// awaitTerminal polls the registry until the record reaches a terminal
// state. The request deadline guarantees this terminates; the caller's
// context lets a disconnected streamer stop watching early (the request
// itself keeps running).
func (d *Dispatcher) awaitTerminal(ctx context.Context, id string) (Record, bool) {
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	deadline := time.After(d.cfg.RequestDeadline + time.Second)
	for {
		rec, ok := d.registry.Get(id)
		if !ok {
			return Record{}, false
		}
		if rec.Status.Terminal() {
			return rec, true
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Record{}, false
		case <-deadline:
			return rec, true
		}
	}
}
