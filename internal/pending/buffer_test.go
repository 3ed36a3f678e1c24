package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/whalesync/scratch-cli-sub001/internal/cache"
	"github.com/whalesync/scratch-cli-sub001/internal/notify"
	"github.com/whalesync/scratch-cli-sub001/internal/records"
	"github.com/whalesync/scratch-cli-sub001/internal/recordstore"
	"github.com/whalesync/scratch-cli-sub001/internal/telemetry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) BulkUpdateRecords(ctx context.Context, workbookID, tableID string, ops []records.Operation) error {
	args := m.Called(ctx, workbookID, tableID, ops)
	return args.Error(0)
}

func (m *mockStore) ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error) {
	args := m.Called(ctx, workbookID, tableID, cursor, take)
	page, _ := args.Get(0).(*records.Page)
	return page, args.Error(1)
}

// bulkOps returns the operations of the i-th bulk call.
func (m *mockStore) bulkOps(t *testing.T, i int) []records.Operation {
	t.Helper()
	var calls []mock.Call
	for _, c := range m.Calls {
		if c.Method == "BulkUpdateRecords" {
			calls = append(calls, c)
		}
	}
	require.Greater(t, len(calls), i)
	return calls[i].Arguments.Get(3).([]records.Operation)
}

// countingSource records every key fetched through the cache.
type countingSource struct {
	inner cache.Source

	mu   sync.Mutex
	keys []cache.Key
}

func (s *countingSource) ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error) {
	s.mu.Lock()
	s.keys = append(s.keys, cache.Key{WorkbookID: workbookID, TableID: tableID, Cursor: cursor, Take: take})
	s.mu.Unlock()
	return s.inner.ListRecords(ctx, workbookID, tableID, cursor, take)
}

func (s *countingSource) fetched() []cache.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.Key(nil), s.keys...)
}

func (s *countingSource) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
}

var (
	page1 = cache.Key{WorkbookID: "wb", TableID: "tbl", Take: 2}
	page2 = cache.Key{WorkbookID: "wb", TableID: "tbl", Cursor: "r3", Take: 2}
	other = cache.Key{WorkbookID: "wb", TableID: "other", Take: 2}
)

type fixture struct {
	mem   *recordstore.MemStore
	src   *countingSource
	cache *cache.Cache
	store *mockStore
	clock *clock.Mock
	notes *notify.Recorder
	logs  *observer.ObservedLogs
	buf   *Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := recordstore.NewMemStore()
	mem.Seed("wb", "tbl",
		records.Record{ID: "r1", Fields: map[string]any{"title": "one", "status": "todo"}},
		records.Record{ID: "r2", Fields: map[string]any{"title": "two"}},
		records.Record{ID: "r3", Fields: map[string]any{"title": "three"}},
	)
	mem.Seed("wb", "other", records.Record{ID: "o1", Fields: map[string]any{"title": "o"}})

	src := &countingSource{inner: mem}
	c, err := cache.New(src, 16, nil)
	require.NoError(t, err)
	for _, k := range []cache.Key{page1, page2, other} {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
	}
	src.reset()

	f := &fixture{
		mem:   mem,
		src:   src,
		cache: c,
		store: &mockStore{},
		clock: clock.NewMock(),
		notes: &notify.Recorder{},
	}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs

	opts = append([]Option{WithClock(f.clock), WithNotifier(f.notes)}, opts...)
	f.buf, err = New(f.store, c, zap.New(core), opts...)
	require.NoError(t, err)
	return f
}

// acceptBulk makes every bulk call succeed and apply to the in-memory store.
func (f *fixture) acceptBulk() *mock.Call {
	return f.store.On("BulkUpdateRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			_ = f.mem.BulkUpdateRecords(context.Background(), args.String(1), args.String(2), args.Get(3).([]records.Operation))
		}).
		Return(nil)
}

// blockBulk makes the next bulk call wait for release before applying.
func (f *fixture) blockBulk() (started <-chan struct{}, release chan<- struct{}) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	f.store.On("BulkUpdateRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(startedCh)
			<-releaseCh
			_ = f.mem.BulkUpdateRecords(context.Background(), args.String(1), args.String(2), args.Get(3).([]records.Operation))
		}).
		Return(nil).
		Once()
	return startedCh, releaseCh
}

func (f *fixture) record(t *testing.T, key cache.Key, id string) records.Record {
	t.Helper()
	page, ok := f.cache.Peek(key)
	require.True(t, ok)
	rec, ok := page.Find(id)
	require.True(t, ok, "record %s on page %s", id, key)
	return rec
}

func update(id string, data map[string]any) Change {
	return Change{WorkbookID: "wb", TableID: "tbl", Op: records.Update(id, data)}
}

func del(id string) Change {
	return Change{WorkbookID: "wb", TableID: "tbl", Op: records.Delete(id)}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	c, err := cache.New(&countingSource{}, 1, nil)
	require.NoError(t, err)

	_, err = New(nil, c, nil)
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = New(&mockStore{}, nil, nil)
	assert.ErrorIs(t, err, ErrNilCache)
}

func TestAddPendingChange_AppliesOptimisticallyBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))

	rec := f.record(t, page1, "r1")
	assert.Equal(t, "A", rec.Fields["title"])
	assert.Equal(t, f.clock.Now(), rec.EditedFields["title"])
	assert.Equal(t, "todo", rec.Fields["status"])

	assert.Equal(t, 1, f.buf.Len())
	assert.False(t, f.buf.Saving())
	f.store.AssertNotCalled(t, "BulkUpdateRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.src.fetched(), "no refetch on optimistic write")
}

func TestAddPendingChange_DeleteKeepsRecordVisible(t *testing.T) {
	f := newFixture(t)

	f.buf.AddPendingChange(del("r3"))

	rec := f.record(t, page2, "r3")
	assert.True(t, rec.Deleted())
}

func TestAddPendingChange_RejectsCreates(t *testing.T) {
	f := newFixture(t)

	f.buf.AddPendingChange(
		Change{WorkbookID: "wb", TableID: "tbl", Op: records.Create(map[string]any{"title": "new"})},
		Change{WorkbookID: "wb", TableID: "tbl", Op: records.Operation{Op: records.OpUpdate}},
	)

	assert.Zero(t, f.buf.Len())
	assert.Equal(t, 1, f.logs.FilterMessage("operation cannot be buffered").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("malformed pending change").Len())
	for _, e := range f.logs.FilterLevelExact(zapcore.DPanicLevel).All() {
		assert.NotEmpty(t, e.ContextMap()["session.id"])
	}
}

func TestSavePendingChanges_MergesEditsIntoOneCall(t *testing.T) {
	f := newFixture(t)
	f.acceptBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	f.buf.AddPendingChange(update("r1", map[string]any{"status": "done"}))
	f.buf.SavePendingChanges(context.Background())

	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
	assert.Equal(t, []records.Operation{
		records.Update("r1", map[string]any{"title": "A", "status": "done"}),
	}, f.store.bulkOps(t, 0))
	assert.Zero(t, f.buf.Len())
	assert.Equal(t, 1, f.buf.Stats().Coalesced)

	rec := f.record(t, page1, "r1")
	assert.Equal(t, "A", rec.Fields["title"])
	assert.Equal(t, "done", rec.Fields["status"])
}

func TestSavePendingChanges_DeleteWinsOverLaterUpdate(t *testing.T) {
	f := newFixture(t)
	f.acceptBulk()

	f.buf.AddPendingChange(del("r1"))
	f.buf.AddPendingChange(update("r1", map[string]any{"title": "B"}))
	f.buf.SavePendingChanges(context.Background())

	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
	assert.Equal(t, []records.Operation{records.Delete("r1")}, f.store.bulkOps(t, 0))
	assert.Zero(t, f.buf.Len(), "the dropped update leaves the queue too")
}

func TestSavePendingChanges_RevalidatesEveryPageOfTheTable(t *testing.T) {
	f := newFixture(t)
	f.acceptBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "x"}))
	f.buf.SavePendingChanges(context.Background())

	assert.ElementsMatch(t, []cache.Key{page1, page2}, f.src.fetched())

	rec := f.record(t, page1, "r1")
	assert.Equal(t, "x", rec.Fields["title"], "server state now carries the edit")
}

func TestSavePendingChanges_EmptyIsNoop(t *testing.T) {
	f := newFixture(t)

	f.buf.SavePendingChanges(context.Background())

	f.store.AssertNotCalled(t, "BulkUpdateRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, f.buf.Stats().Flushes)
}

func TestSavePendingChanges_FailureKeepsChangesQueued(t *testing.T) {
	f := newFixture(t)
	f.store.On("BulkUpdateRecords", mock.Anything, "wb", "tbl", mock.Anything).
		Return(&recordstore.APIError{StatusCode: 500, Message: "Snapshot is locked"})

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	f.buf.SavePendingChanges(context.Background())

	assert.Equal(t, 1, f.buf.Len())
	assert.False(t, f.buf.Saving())

	notes := f.notes.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.LevelError, notes[0].Level)
	assert.Equal(t, "Snapshot is locked", notes[0].Message)
	assert.Equal(t, "tbl", notes[0].TableID)

	assert.ElementsMatch(t, []cache.Key{page1, page2}, f.src.fetched(), "revalidated even on failure")
	rec := f.record(t, page1, "r1")
	assert.Equal(t, "A", rec.Fields["title"], "queued edit stays visible over server state")

	// The next attempt succeeds and drains the queue.
	f.store.ExpectedCalls = nil
	f.acceptBulk()
	f.buf.SavePendingChanges(context.Background())
	assert.Zero(t, f.buf.Len())
	assert.Equal(t, 2, f.buf.Stats().Flushes)
	assert.Equal(t, 1, f.buf.Stats().FailedFlushes)
}

func TestSavePendingChanges_FailedTableDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.store.On("BulkUpdateRecords", mock.Anything, "wb", "tbl", mock.Anything).
		Return(&recordstore.APIError{StatusCode: 404, Message: "Record r1 not found"})
	f.store.On("BulkUpdateRecords", mock.Anything, "wb", "other", mock.Anything).
		Run(func(args mock.Arguments) {
			_ = f.mem.BulkUpdateRecords(context.Background(), "wb", "other", args.Get(3).([]records.Operation))
		}).
		Return(nil)

	f.buf.AddPendingChange(
		update("r1", map[string]any{"title": "A"}),
		Change{WorkbookID: "wb", TableID: "other", Op: records.Update("o1", map[string]any{"title": "B"})},
	)
	f.buf.SavePendingChanges(context.Background())

	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 2)
	pending := f.buf.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, "tbl", pending[0].TableID)
	assert.Equal(t, "B", f.record(t, other, "o1").Fields["title"])
}

func TestSavePendingChanges_ChangesAddedMidFlushSurvive(t *testing.T) {
	f := newFixture(t)
	started, release := f.blockBulk()
	f.acceptBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.SavePendingChanges(context.Background())
	}()
	<-started

	assert.True(t, f.buf.Saving())
	f.buf.AddPendingChange(update("r2", map[string]any{"title": "B"}))
	close(release)
	<-done

	pending := f.buf.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].Op.RecordID)
	assert.Equal(t, "B", f.record(t, page1, "r2").Fields["title"], "mid-flush edit reprojected after revalidation")

	f.buf.SavePendingChanges(context.Background())
	assert.Equal(t, []records.Operation{records.Update("r2", map[string]any{"title": "B"})}, f.store.bulkOps(t, 1))
	assert.Zero(t, f.buf.Len())
}

func TestSavePendingChanges_ReentrantCallIsNoop(t *testing.T) {
	f := newFixture(t)
	started, release := f.blockBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.SavePendingChanges(context.Background())
	}()
	<-started

	f.buf.SavePendingChanges(context.Background())
	assert.Equal(t, 1, f.logs.FilterMessage("flush already in progress").Len())

	close(release)
	<-done
	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
}

func TestSavePendingChanges_SchedulesExactlyOneRetry(t *testing.T) {
	f := newFixture(t)
	started, release := f.blockBulk()
	f.acceptBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.SavePendingChanges(context.Background())
	}()
	<-started

	for i := 0; i < 5; i++ {
		f.buf.AddPendingChange(update("r2", map[string]any{"title": string(rune('a' + i))}))
	}
	close(release)
	<-done

	assert.Equal(t, 1, f.buf.Stats().RetriesScheduled)
	assert.Equal(t, 5, f.buf.Len())
	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)

	f.clock.Add(DefaultRetryDelay)
	require.Eventually(t, func() bool { return f.buf.Len() == 0 }, waitFor, tick)

	assert.Equal(t, []records.Operation{records.Update("r2", map[string]any{"title": "e"})}, f.store.bulkOps(t, 1))

	// The follow-up pass saw no new changes, so nothing else is scheduled.
	f.clock.Add(time.Second)
	assert.Equal(t, 1, f.buf.Stats().RetriesScheduled)
	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 2)
}

func TestStart_IdleTickerFlushes(t *testing.T) {
	f := newFixture(t)
	f.acceptBulk()

	require.NoError(t, f.buf.Start(context.Background()))
	t.Cleanup(f.buf.Stop)
	assert.ErrorIs(t, f.buf.Start(context.Background()), ErrAlreadyRunning)

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	f.clock.Add(DefaultFlushInterval)

	require.Eventually(t, func() bool { return f.buf.Len() == 0 }, waitFor, tick)
	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
}

func TestStart_CustomInterval(t *testing.T) {
	f := newFixture(t, WithFlushInterval(time.Minute))
	f.acceptBulk()

	require.NoError(t, f.buf.Start(context.Background()))
	t.Cleanup(f.buf.Stop)

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	f.clock.Add(DefaultFlushInterval)
	assert.Equal(t, 1, f.buf.Len())

	f.clock.Add(time.Minute)
	require.Eventually(t, func() bool { return f.buf.Len() == 0 }, waitFor, tick)
}

func TestStop_CancelsDeferredRetry(t *testing.T) {
	f := newFixture(t)
	started, release := f.blockBulk()
	f.acceptBulk()

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.SavePendingChanges(context.Background())
	}()
	<-started
	f.buf.AddPendingChange(update("r2", map[string]any{"title": "B"}))
	close(release)
	<-done
	require.Equal(t, 1, f.buf.Stats().RetriesScheduled)

	f.buf.Stop()
	f.clock.Add(time.Second)

	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
	assert.Equal(t, 1, f.buf.Len())
}

func TestCreateRecords_BypassesQueue(t *testing.T) {
	f := newFixture(t)
	f.acceptBulk()

	err := f.buf.CreateRecords(context.Background(), "wb", "tbl", map[string]any{"title": "new"})
	require.NoError(t, err)

	ops := f.store.bulkOps(t, 0)
	require.Len(t, ops, 1)
	assert.Equal(t, records.OpCreate, ops[0].Op)
	assert.Zero(t, f.buf.Len())
	assert.ElementsMatch(t, []cache.Key{page1, page2}, f.src.fetched())

	page, ok := f.cache.Peek(page2)
	require.True(t, ok)
	assert.Len(t, page.Records, 2, "r3 and the created record")
}

func TestCreateRecords_Error(t *testing.T) {
	f := newFixture(t)
	f.store.On("BulkUpdateRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&recordstore.APIError{StatusCode: 400, Message: "bad"})

	err := f.buf.CreateRecords(context.Background(), "wb", "tbl", map[string]any{"title": "new"})
	require.Error(t, err)
	assert.Equal(t, "bad", recordstore.Message(err))
}

func TestSavePendingChanges_RecordsSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t, WithTracer(tel.Tracer("pending-test")))
	f.store.On("BulkUpdateRecords", mock.Anything, "wb", "tbl", mock.Anything).
		Return(&recordstore.APIError{StatusCode: 409, Message: "Snapshot is locked"})
	f.acceptBulk()

	f.buf.AddPendingChange(
		update("r1", map[string]any{"title": "A"}),
		Change{WorkbookID: "wb", TableID: "other", Op: records.Update("o1", map[string]any{"title": "B"})},
	)
	f.buf.SavePendingChanges(context.Background())

	tel.AssertSpanAttribute(t, "pending.SavePendingChanges", "tables", int64(2))
	tel.AssertSpanAttribute(t, "pending.SavePendingChanges", "result", "partial")

	root := tel.SpanByName("pending.SavePendingChanges")
	require.NotNil(t, root)
	assert.Equal(t, codes.Error, root.Status().Code)

	var failed, ok int
	for _, s := range tel.Spans() {
		if s.Name() != "pending.flushBatch" {
			continue
		}
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		if s.Status().Code == codes.Error {
			failed++
			assert.Equal(t, "Snapshot is locked", s.Status().Description)
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)
}

func TestRevalidate_ReprojectsQueuedChanges(t *testing.T) {
	f := newFixture(t)
	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}), del("r3"))

	// Someone else edits the table on the server.
	require.NoError(t, f.mem.BulkUpdateRecords(context.Background(), "wb", "tbl",
		[]records.Operation{records.Update("r2", map[string]any{"title": "server"})}))

	n, err := f.buf.Revalidate(context.Background(), "wb", "tbl")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []cache.Key{page1, page2}, f.src.fetched())

	assert.Equal(t, "server", f.record(t, page1, "r2").Fields["title"])
	assert.Equal(t, "A", f.record(t, page1, "r1").Fields["title"], "queued edit stays visible")
	assert.True(t, f.record(t, page2, "r3").Deleted())
	assert.Equal(t, 2, f.buf.Len())
}

func TestDeferredRetry_SkippedOnceStartContextIsDone(t *testing.T) {
	f := newFixture(t)
	started, release := f.blockBulk()
	f.acceptBulk()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.buf.Start(ctx))
	t.Cleanup(f.buf.Stop)

	f.buf.AddPendingChange(update("r1", map[string]any{"title": "A"}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.SavePendingChanges(context.Background())
	}()
	<-started
	f.buf.AddPendingChange(update("r2", map[string]any{"title": "B"}))
	close(release)
	<-done
	require.Equal(t, 1, f.buf.Stats().RetriesScheduled)

	// Interrupted before the owner stopped the buffer.
	cancel()
	f.clock.Add(DefaultRetryDelay)

	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("skipping deferred flush").Len() == 1
	}, waitFor, tick)
	f.store.AssertNumberOfCalls(t, "BulkUpdateRecords", 1)
	assert.Empty(t, f.notes.Notifications())
	assert.Equal(t, 1, f.buf.Len())

	// The owner's final flush still saves the change.
	f.buf.Stop()
	f.buf.SavePendingChanges(context.Background())
	assert.Zero(t, f.buf.Len())
}
