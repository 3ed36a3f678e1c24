package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whalesync/scratch-cli-sub001/internal/cache"
	"github.com/whalesync/scratch-cli-sub001/internal/notify"
	"github.com/whalesync/scratch-cli-sub001/internal/records"
	"github.com/whalesync/scratch-cli-sub001/internal/recordstore"
)

const instrumentationName = "github.com/whalesync/scratch-cli-sub001/internal/pending"

// Default timings.
const (
	DefaultFlushInterval = 5 * time.Second
	DefaultRetryDelay    = 100 * time.Millisecond
)

// Cache is the part of the record cache the buffer writes to.
type Cache interface {
	Mutate(match cache.Matcher, fn func(*records.Page) *records.Page) int
	RevalidateMatching(ctx context.Context, match cache.Matcher) (int, error)
}

type flushState int

const (
	stateIdle flushState = iota
	stateFlushing
	// stateFlushingDirty means changes arrived while the running flush was in flight.
	stateFlushingDirty
)

func (s flushState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFlushing:
		return "flushing"
	case stateFlushingDirty:
		return "flushing_dirty"
	default:
		return "unknown"
	}
}

// Stats counts buffer activity since creation.
type Stats struct {
	Flushes          int
	FailedFlushes    int
	RetriesScheduled int
	Coalesced        int
}

// Buffer is an optimistic edit buffer for one editing session.
//
// Thread Safety: all methods are safe for concurrent use. mu guards the queue and
// the flush state; no network call is made while it is held.
type Buffer struct {
	store    recordstore.Store
	cache    Cache
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	clock    clock.Clock

	sessionID     string
	flushInterval time.Duration
	retryDelay    time.Duration

	mu         sync.Mutex
	entries    []entry
	nextSeq    uint64
	state      flushState
	retryTimer *clock.Timer
	stats      Stats

	// ctx is the context of the running loop, used for timer-driven flushes.
	ctx     context.Context
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock sets the clock used for timers and edit stamps.
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// WithFlushInterval sets the idle auto-flush period.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithRetryDelay sets the delay of the follow-up flush scheduled when changes
// arrive mid-flush.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.retryDelay = d
		}
	}
}

// WithNotifier sets where save failures are reported.
func WithNotifier(n notify.Notifier) Option {
	return func(b *Buffer) { b.notifier = n }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithTracer sets the tracer for flush spans. The global tracer provider is used
// otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(b *Buffer) { b.tracer = t }
}

// WithSessionID sets the session id attached to log entries.
func WithSessionID(id string) Option {
	return func(b *Buffer) { b.sessionID = id }
}

// New creates a buffer. It does not flush on its own until Start is called.
func New(store recordstore.Store, c Cache, logger *zap.Logger, opts ...Option) (*Buffer, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if c == nil {
		return nil, ErrNilCache
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Buffer{
		store:         store,
		cache:         c,
		clock:         clock.New(),
		sessionID:     uuid.NewString(),
		flushInterval: DefaultFlushInterval,
		retryDelay:    DefaultRetryDelay,
		ctx:           context.Background(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.With(zap.String("session.id", b.sessionID))
	if b.tracer == nil {
		b.tracer = otel.Tracer(instrumentationName)
	}
	if b.notifier == nil {
		b.notifier = notify.NewLogNotifier(b.logger)
	}

	return b, nil
}

// AddPendingChange applies changes to the cache and queues them for saving.
// It never performs network I/O.
//
// Creates are not buffered: a create passed here is a programming error. It is
// reported at DPanic level and skipped; use CreateRecords instead.
func (b *Buffer) AddPendingChange(changes ...Change) {
	valid := make([]Change, 0, len(changes))
	for _, c := range changes {
		if !c.Op.Enqueueable() {
			b.logger.DPanic("operation cannot be buffered",
				zap.String("op", string(c.Op.Op)),
				zap.String("workbook.id", c.WorkbookID),
				zap.String("table_id", c.TableID))
			continue
		}
		if err := c.Op.Validate(); err != nil {
			b.logger.DPanic("malformed pending change",
				zap.String("op", string(c.Op.Op)),
				zap.String("workbook.id", c.WorkbookID),
				zap.String("table_id", c.TableID),
				zap.Error(err))
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return
	}

	b.project(valid, b.clock.Now())

	b.mu.Lock()
	for _, c := range valid {
		b.nextSeq++
		b.entries = append(b.entries, entry{seq: b.nextSeq, change: c})
	}
	if b.state == stateFlushing {
		b.state = stateFlushingDirty
	}
	pending := len(b.entries)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PendingChanges.Add(float64(len(valid)))
	}
	b.logger.Debug("pending changes added",
		zap.Int("added", len(valid)),
		zap.Int("pending", pending))
}

// project writes the optimistic view of changes into every cached page of their tables.
func (b *Buffer) project(changes []Change, now time.Time) {
	order, ops := groupOps(changes)
	for _, t := range order {
		tableOps := ops[t]
		b.cache.Mutate(cache.TableMatcher(t.workbookID, t.tableID), func(p *records.Page) *records.Page {
			return records.Project(p, tableOps, now)
		})
	}
}

// Revalidate refetches the cached pages of one table and projects the changes
// still queued for it back on top. Use it instead of revalidating the cache
// directly whenever the server announces a change.
func (b *Buffer) Revalidate(ctx context.Context, workbookID, tableID string) (int, error) {
	n, err := b.cache.RevalidateMatching(ctx, cache.TableMatcher(workbookID, tableID))

	t := table{workbookID: workbookID, tableID: tableID}
	b.mu.Lock()
	queued := make([]Change, 0, len(b.entries))
	for _, e := range b.entries {
		if e.change.table() == t {
			queued = append(queued, e.change)
		}
	}
	b.mu.Unlock()

	// Pages that did revalidate lost the optimistic view even when others failed.
	if len(queued) > 0 {
		b.project(queued, b.clock.Now())
	}
	if err != nil {
		return n, fmt.Errorf("revalidate %s/%s: %w", workbookID, tableID, err)
	}
	return n, nil
}

// SavePendingChanges flushes the queued changes.
//
// It returns without doing anything when a flush is already running or nothing is
// queued; a returning call does not mean the caller's changes were saved. Failures
// are reported through the notifier and leave the failed tables queued. Callers
// observe success through Len or PendingChanges.
func (b *Buffer) SavePendingChanges(ctx context.Context) {
	b.mu.Lock()
	if b.state != stateIdle {
		state := b.state
		b.mu.Unlock()
		b.logger.Debug("flush already in progress", zap.Stringer("state", state))
		return
	}
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	b.state = stateFlushing
	snapshot := make([]entry, len(b.entries))
	copy(snapshot, b.entries)
	b.mu.Unlock()

	start := b.clock.Now()
	batches, folded := coalesce(snapshot)

	ctx, span := b.tracer.Start(ctx, "pending.SavePendingChanges", trace.WithAttributes(
		attribute.String("session.id", b.sessionID),
		attribute.Int("pending_entries", len(snapshot)),
		attribute.Int("tables", len(batches)),
		attribute.Int("coalesced", folded),
	))
	defer span.End()

	b.logger.Debug("flushing pending changes",
		zap.Int("pending_entries", len(snapshot)),
		zap.Int("tables", len(batches)),
		zap.Int("coalesced", folded))

	errs, firstErr := b.flush(ctx, batches)

	saved := make(map[uint64]bool, len(snapshot))
	failed := 0
	for i, bt := range batches {
		if errs[i] != nil {
			failed++
			b.logger.Warn("failed to save pending changes",
				zap.String("workbook.id", bt.workbookID),
				zap.String("table_id", bt.tableID),
				zap.Int("ops", len(bt.ops)),
				zap.Error(errs[i]))
			continue
		}
		for _, seq := range bt.seqs {
			saved[seq] = true
		}
	}

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, "save failed")
		b.notifyFailure(ctx, batches, errs, firstErr)
	}

	b.mu.Lock()
	kept := make([]entry, 0, len(b.entries))
	for _, e := range b.entries {
		if !saved[e.seq] {
			kept = append(kept, e)
		}
	}
	removed := len(b.entries) - len(kept)
	b.entries = kept

	retry := b.state == stateFlushingDirty
	b.state = stateIdle
	if retry {
		b.scheduleRetryLocked()
	}

	b.stats.Flushes++
	if failed > 0 {
		b.stats.FailedFlushes++
	}
	b.stats.Coalesced += folded

	stillQueued := make([]Change, 0, len(kept))
	flushed := make(map[table]bool, len(batches))
	for _, bt := range batches {
		flushed[bt.table] = true
	}
	for _, e := range kept {
		if flushed[e.change.table()] {
			stillQueued = append(stillQueued, e.change)
		}
	}
	b.mu.Unlock()

	// Revalidation replaced the flushed tables' pages with server state; put the
	// edits that are still queued back on top.
	if len(stillQueued) > 0 {
		b.project(stillQueued, b.clock.Now())
	}

	elapsed := b.clock.Now().Sub(start)
	result := flushResult(failed, len(batches))
	span.SetAttributes(
		attribute.String("result", result),
		attribute.Bool("retry_scheduled", retry),
	)
	if b.metrics != nil {
		b.metrics.PendingChanges.Sub(float64(removed))
		b.metrics.RecordFlush(result, elapsed.Seconds(), folded)
	}

	b.logger.Info("flush completed",
		zap.String("result", result),
		zap.Int("saved_entries", removed),
		zap.Int("pending_entries", len(kept)),
		zap.Bool("retry_scheduled", retry),
		zap.Duration("duration", elapsed))
}

// flush sends every batch concurrently. A failing batch never cancels the others.
// It returns the per-batch errors and the first error.
func (b *Buffer) flush(ctx context.Context, batches []batch) ([]error, error) {
	errs := make([]error, len(batches))

	var g errgroup.Group
	for i := range batches {
		bt := batches[i]
		g.Go(func() error {
			errs[i] = b.flushBatch(ctx, bt)
			return errs[i]
		})
	}
	return errs, g.Wait()
}

func (b *Buffer) flushBatch(ctx context.Context, bt batch) error {
	ctx, span := b.tracer.Start(ctx, "pending.flushBatch", trace.WithAttributes(
		attribute.String("workbook.id", bt.workbookID),
		attribute.String("table_id", bt.tableID),
		attribute.Int("ops", len(bt.ops)),
	))
	defer span.End()

	match := cache.TableMatcher(bt.workbookID, bt.tableID)
	now := b.clock.Now()
	b.cache.Mutate(match, func(p *records.Page) *records.Page {
		return records.Project(p, bt.ops, now)
	})

	err := b.store.BulkUpdateRecords(ctx, bt.workbookID, bt.tableID, bt.ops)

	// The server is authoritative whether or not the call succeeded.
	if n, rerr := b.cache.RevalidateMatching(ctx, match); rerr != nil {
		b.logger.Warn("failed to revalidate table after save",
			zap.String("workbook.id", bt.workbookID),
			zap.String("table_id", bt.tableID),
			zap.Int("keys", n),
			zap.Error(rerr))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, recordstore.Message(err))
		return fmt.Errorf("save %s/%s: %w", bt.workbookID, bt.tableID, err)
	}
	return nil
}

func (b *Buffer) notifyFailure(ctx context.Context, batches []batch, errs []error, firstErr error) {
	note := notify.Notification{
		Level:   notify.LevelError,
		Title:   "Save failed",
		Message: recordstore.Message(firstErr),
		Time:    b.clock.Now(),
	}
	for i, err := range errs {
		if err == firstErr {
			note.WorkbookID = batches[i].workbookID
			note.TableID = batches[i].tableID
			break
		}
	}

	if err := b.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		b.logger.Warn("failed to deliver notification", zap.Error(err))
	}
}

func flushResult(failed, total int) string {
	switch {
	case failed == 0:
		return "success"
	case failed == total:
		return "failure"
	default:
		return "partial"
	}
}

// scheduleRetryLocked arms the single deferred follow-up flush. Caller must hold mu.
func (b *Buffer) scheduleRetryLocked() {
	if b.stopped || b.retryTimer != nil {
		return
	}
	ctx := b.ctx
	b.retryTimer = b.clock.AfterFunc(b.retryDelay, func() {
		b.mu.Lock()
		b.retryTimer = nil
		b.mu.Unlock()
		// A cancelled Start context means shutdown is underway and the owner
		// runs the final flush.
		if err := ctx.Err(); err != nil {
			b.logger.Debug("skipping deferred flush", zap.Error(err))
			return
		}
		b.SavePendingChanges(ctx)
	})
	b.stats.RetriesScheduled++
	if b.metrics != nil {
		b.metrics.RetriesScheduled.Inc()
	}
}

// CreateRecords inserts records immediately, bypassing the queue, and revalidates
// the table. Creates have no record id yet, so there is nothing to coalesce them with.
func (b *Buffer) CreateRecords(ctx context.Context, workbookID, tableID string, fields ...map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	ops := make([]records.Operation, 0, len(fields))
	for _, f := range fields {
		ops = append(ops, records.Create(f))
	}

	err := b.store.BulkUpdateRecords(ctx, workbookID, tableID, ops)
	if _, rerr := b.cache.RevalidateMatching(ctx, cache.TableMatcher(workbookID, tableID)); rerr != nil {
		b.logger.Warn("failed to revalidate table after create",
			zap.String("workbook.id", workbookID),
			zap.String("table_id", tableID),
			zap.Error(rerr))
	}
	if err != nil {
		return fmt.Errorf("create records in %s/%s: %w", workbookID, tableID, err)
	}
	return nil
}

// PendingChanges returns a copy of the queue in arrival order.
func (b *Buffer) PendingChanges() []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Change, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.change
	}
	return out
}

// Len returns the number of queued changes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Saving reports whether a flush is in flight.
func (b *Buffer) Saving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateIdle
}

// Stats returns activity counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Start begins the idle auto-flush loop. Timer-driven flushes use ctx.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true
	b.stopped = false
	b.ctx = ctx
	b.stopCh = make(chan struct{})

	ticker := b.clock.Ticker(b.flushInterval)
	b.wg.Add(1)
	go b.run(ctx, ticker, b.stopCh)

	b.logger.Info("edit buffer started", zap.Duration("flush_interval", b.flushInterval))
	return nil
}

// Stop ends the auto-flush loop and cancels a pending deferred flush. A flush in
// flight is allowed to finish.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("edit buffer stopped", zap.Int("pending_entries", b.Len()))
}

func (b *Buffer) run(ctx context.Context, ticker *clock.Ticker, stopCh <-chan struct{}) {
	defer b.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Buffer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("auto-flush panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			b.mu.Lock()
			b.state = stateIdle
			b.mu.Unlock()
		}
	}()

	b.mu.Lock()
	idle := b.state == stateIdle && len(b.entries) > 0
	b.mu.Unlock()
	if idle {
		b.SavePendingChanges(ctx)
	}
}
