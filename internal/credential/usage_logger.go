package credential

import (
	"sync"
	"time"

	"github.com/zjrosen/relay/internal/log"
)

// DefaultUsageBuffer is the channel depth for pending usage rows.
const DefaultUsageBuffer = 256

// UsageLogger writes usage rows on a background goroutine so the request
// path never blocks on the database. Rows are dropped (with a warning) if
// the buffer fills rather than stalling submissions.
type UsageLogger struct {
	repo Repository
	rows UsageRepository

	ch   chan *UsageRecord
	done chan struct{}

	closeOnce sync.Once
}

// NewUsageLogger starts the writer goroutine.
func NewUsageLogger(repo Repository, rows UsageRepository, buffer int) *UsageLogger {
	if buffer <= 0 {
		buffer = DefaultUsageBuffer
	}
	l := &UsageLogger{
		repo: repo,
		rows: rows,
		ch:   make(chan *UsageRecord, buffer),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues a usage row. Never blocks.
func (l *UsageLogger) Record(rec *UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case l.ch <- rec:
	default:
		log.Warn(log.CatAuth, "usage buffer full, dropping row",
			"credential", rec.CredentialID, "status", rec.Status)
	}
}

// Close drains pending rows and stops the writer.
func (l *UsageLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
}

func (l *UsageLogger) run() {
	defer close(l.done)
	for rec := range l.ch {
		if err := l.rows.Insert(rec); err != nil {
			log.ErrorErr(log.CatAuth, "failed to insert usage row", err,
				"credential", rec.CredentialID)
			continue
		}
		if err := l.repo.UpdateLastUsed(rec.CredentialID, rec.CreatedAt); err != nil {
			log.ErrorErr(log.CatAuth, "failed to stamp last use", err,
				"credential", rec.CredentialID)
		}
	}
}
