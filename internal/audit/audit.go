// Package audit implements the §4.I fire-and-forget audit log: every
// decision of interest (authn failure, policy deny, budget block, key
// lifecycle event, guardrail violation) is appended to a bounded channel and
// drained by a single background consumer that batches writes to the Store.
// Enqueue never blocks the originating request; when the queue is full the
// oldest pending record is dropped rather than applying backpressure, and a
// metric counts the drop.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Metrics is the subset of metrics.Registry the logger needs, kept narrow so
// this package doesn't import the metrics package's full surface.
type Metrics interface {
	RecordAudit(result string)
}

// Store is the subset of store.Store the logger needs.
type Store interface {
	AppendAudit(ctx context.Context, entries []*store.AuditEntry) error
}

// Entry is the caller-facing shape; CreatedAt is stamped at enqueue time.
type Entry struct {
	ActorType    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	OrgID        string
	ProjectID    string
	Details      map[string]any
	IP           string
	UserAgent    string
}

// Logger batches Entry values and flushes them to Store on an interval or
// when the batch reaches BatchSize, whichever comes first.
type Logger struct {
	store     Store
	log       *slog.Logger
	metrics   Metrics
	queue     chan *store.AuditEntry
	batchSize int
	flushTick time.Duration

	done chan struct{}
}

// Options configures queue depth and flush cadence. Zero values fall back
// to sane defaults.
type Options struct {
	QueueSize   int
	BatchSize   int
	FlushPeriod time.Duration
}

// New starts the background consumer goroutine. Call Close to drain and
// stop it on shutdown.
func New(ctx context.Context, s Store, log *slog.Logger, m Metrics, opts Options) *Logger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10_000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushPeriod <= 0 {
		opts.FlushPeriod = time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Logger{
		store:     s,
		log:       log,
		metrics:   m,
		queue:     make(chan *store.AuditEntry, opts.QueueSize),
		batchSize: opts.BatchSize,
		flushTick: opts.FlushPeriod,
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Log enqueues an audit entry without blocking. On a full queue, the oldest
// queued entry is dropped (drop-oldest, per §5's audit-queue-full policy)
// and the drop is counted so operators can alert on sustained pressure.
func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		details = []byte("{}")
	}
	row := &store.AuditEntry{
		ActorType:    e.ActorType,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		OrgID:        e.OrgID,
		ProjectID:    e.ProjectID,
		Details:      string(details),
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		CreatedAt:    time.Now(),
	}

	select {
	case l.queue <- row:
		return
	default:
	}

	// Queue full: drop the oldest entry to make room, rather than blocking
	// the request path or dropping the new (most relevant) record.
	select {
	case <-l.queue:
		if l.metrics != nil {
			l.metrics.RecordAudit("dropped")
		}
	default:
	}
	select {
	case l.queue <- row:
	default:
		if l.metrics != nil {
			l.metrics.RecordAudit("dropped")
		}
	}
}

func (l *Logger) run(ctx context.Context) {
	ticker := time.NewTicker(l.flushTick)
	defer ticker.Stop()

	batch := make([]*store.AuditEntry, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.store.AppendAudit(context.WithoutCancel(ctx), batch); err != nil {
			l.log.Error("audit_flush_failed", slog.String("error", err.Error()), slog.Int("count", len(batch)))
		} else if l.metrics != nil {
			l.metrics.RecordAudit("flushed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			close(l.done)
			return
		case row := <-l.queue:
			batch = append(batch, row)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close blocks until the background consumer has flushed its final batch
// and exited. ctx passed to New must already be cancelled before calling.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	<-l.done
}
