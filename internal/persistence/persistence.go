// Package persistence layers retries, update counting and compaction on top
// of a store.Backend. It never returns backend errors to its callers: reads
// degrade to "no data", access checks to denied and writes to false.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/wigma-ws/internal/platform/timeouts"
	"github.com/dkeye/wigma-ws/internal/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dkeye/wigma-ws/internal/persistence"

// State is a project's stored document: the snapshot, if any, followed by
// the incremental updates appended after it, in order. Partial is set when
// a read failed and the state may be missing stored data.
type State struct {
	Snapshot    []byte
	HasSnapshot bool
	Updates     [][]byte
	Partial     bool
}

func (s State) Empty() bool { return !s.HasSnapshot && len(s.Updates) == 0 }

// Stats are cumulative counters since start.
type Stats struct {
	Appends       uint64 `json:"appends"`
	Compactions   uint64 `json:"compactions"`
	ReadFailures  uint64 `json:"readFailures"`
	WriteFailures uint64 `json:"writeFailures"`
	Retries       uint64 `json:"retries"`
}

type Options struct {
	Backend store.Backend
	// Timeout bounds each backend call including its retries.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for a failed write.
	MaxRetries uint64
	// NewBackOff builds the retry schedule; defaults to exponential.
	NewBackOff func() backoff.BackOff
}

type Controller struct {
	backend    store.Backend
	timeout    time.Duration
	maxRetries uint64
	newBackOff func() backoff.BackOff
	tracer     trace.Tracer

	mu     sync.Mutex
	counts map[string]int

	appends       atomic.Uint64
	compactions   atomic.Uint64
	readFailures  atomic.Uint64
	writeFailures atomic.Uint64
	retries       atomic.Uint64
}

func New(opts Options) *Controller {
	c := &Controller{
		backend:    opts.Backend,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		newBackOff: opts.NewBackOff,
		tracer:     otel.Tracer(tracerName),
		counts:     make(map[string]int),
	}
	if c.timeout <= 0 {
		c.timeout = timeouts.Request
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	return c
}

// LoadState reads the snapshot and every update after it. A failed read
// contributes nothing.
func (c *Controller) LoadState(ctx context.Context, projectID string) State {
	ctx, span := c.start(ctx, "persistence.LoadState", projectID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var st State
	snap, ok, err := c.backend.GetSnapshot(ctx, projectID)
	if err != nil {
		c.readFailed(span, "get snapshot", projectID, err)
		st.Partial = true
	} else if ok {
		st.Snapshot, st.HasSnapshot = snap, true
	}

	ups, err := c.backend.GetUpdates(ctx, projectID, 0)
	if err != nil {
		c.readFailed(span, "get updates", projectID, err)
		st.Partial = true
	}
	for _, u := range ups {
		st.Updates = append(st.Updates, u.Data)
	}
	span.SetAttributes(attribute.Bool("snapshot", st.HasSnapshot), attribute.Int("updates", len(st.Updates)), attribute.Bool("partial", st.Partial))
	return st
}

// LastUpdateID reads the highest stored update id for project. ok is false
// when the read failed.
func (c *Controller) LastUpdateID(ctx context.Context, projectID string) (id int64, ok bool) {
	ctx, span := c.start(ctx, "persistence.LastUpdateID", projectID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := c.backend.LastUpdateID(ctx, projectID)
	if err != nil {
		c.readFailed(span, "last update id", projectID, err)
		return 0, false
	}
	span.SetAttributes(attribute.Int64("update.id", id))
	return id, true
}

// PersistUpdate appends one update and counts it. It reports whether the
// write succeeded; a failed write is not counted.
func (c *Controller) PersistUpdate(ctx context.Context, projectID string, data []byte) bool {
	ctx, span := c.start(ctx, "persistence.PersistUpdate", projectID)
	defer span.End()

	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.backend.AppendUpdate(ctx, projectID, data)
	}); err != nil {
		c.writeFailed(span, "append update", projectID, err)
		return false
	}
	c.appends.Add(1)
	c.mu.Lock()
	c.counts[projectID]++
	c.mu.Unlock()
	return true
}

// UpdateCount is the number of updates persisted since the last compaction.
func (c *Controller) UpdateCount(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[projectID]
}

// Compact stores merged as the snapshot, then deletes the updates it
// covers (id <= uptoID) and takes them off the counter. Updates appended
// after uptoID stay in the log. A failed snapshot write clears nothing; a
// failed clear keeps the counter.
func (c *Controller) Compact(ctx context.Context, projectID string, merged []byte, uptoID int64) bool {
	ctx, span := c.start(ctx, "persistence.Compact", projectID)
	defer span.End()
	span.SetAttributes(attribute.Int("bytes", len(merged)), attribute.Int64("upto", uptoID))

	if err := c.retry(ctx, func(ctx context.Context) error {
		return c.backend.UpsertSnapshot(ctx, projectID, merged)
	}); err != nil {
		c.writeFailed(span, "upsert snapshot", projectID, err)
		return false
	}
	removed := 0
	if err := c.retry(ctx, func(ctx context.Context) error {
		n, err := c.backend.ClearUpdates(ctx, projectID, uptoID)
		removed += n
		return err
	}); err != nil {
		c.writeFailed(span, "clear updates", projectID, err)
		return false
	}
	c.mu.Lock()
	// rows written by an earlier process were never counted here
	c.counts[projectID] = max(c.counts[projectID]-removed, 0)
	c.mu.Unlock()
	c.compactions.Add(1)
	log.Info().Str("module", "persistence").Str("project", projectID).Int("bytes", len(merged)).Int("removed", removed).Msg("compacted")
	return true
}

// CheckAccess reports membership; any backend failure denies.
func (c *Controller) CheckAccess(ctx context.Context, projectID, userID string) bool {
	ctx, span := c.start(ctx, "persistence.CheckAccess", projectID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ok, err := c.backend.CheckAccess(ctx, projectID, userID)
	if err != nil {
		c.readFailed(span, "check access", projectID, err)
		return false
	}
	span.SetAttributes(attribute.Bool("allowed", ok))
	return ok
}

func (c *Controller) Stats() Stats {
	return Stats{
		Appends:       c.appends.Load(),
		Compactions:   c.compactions.Load(),
		ReadFailures:  c.readFailures.Load(),
		WriteFailures: c.writeFailures.Load(),
		Retries:       c.retries.Load(),
	}
}

func (c *Controller) retry(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotify(
		func() error { return op(ctx) },
		b,
		func(err error, next time.Duration) {
			c.retries.Add(1)
			log.Debug().Str("module", "persistence").Err(err).Dur("next", next).Msg("retrying write")
		},
	)
}

func (c *Controller) start(ctx context.Context, name, projectID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("project.id", projectID)))
}

func (c *Controller) readFailed(span trace.Span, op, projectID string, err error) {
	c.readFailures.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	log.Warn().Str("module", "persistence").Str("op", op).Str("project", projectID).Err(err).Msg("read failed")
}

func (c *Controller) writeFailed(span trace.Span, op, projectID string, err error) {
	c.writeFailures.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	log.Error().Str("module", "persistence").Str("op", op).Str("project", projectID).Err(err).Msg("write failed")
}
