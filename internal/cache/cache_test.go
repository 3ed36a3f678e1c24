package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalesync/scratch-cli-sub001/internal/records"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeSource serves pages from a map and counts fetches. When blockFirst is set,
// the first fetch reads its result and then waits for the channel to close.
type fakeSource struct {
	mu         sync.Mutex
	pages      map[Key]*records.Page
	err        error
	fetches    atomic.Int32
	blockFirst chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: make(map[Key]*records.Page)}
}

func (f *fakeSource) set(key Key, page *records.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[key] = page
}

func (f *fakeSource) ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error) {
	n := f.fetches.Add(1)

	f.mu.Lock()
	err := f.err
	page, ok := f.pages[Key{WorkbookID: workbookID, TableID: tableID, Cursor: cursor, Take: take}]
	f.mu.Unlock()

	if n == 1 && f.blockFirst != nil {
		<-f.blockFirst
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &records.Page{}, nil
	}
	return page, nil
}

func page(ids ...string) *records.Page {
	p := &records.Page{}
	for _, id := range ids {
		p.Records = append(p.Records, records.Record{ID: id, Fields: map[string]any{"name": id}})
	}
	return p
}

var (
	keyA1 = Key{WorkbookID: "wb", TableID: "a", Take: 100}
	keyA2 = Key{WorkbookID: "wb", TableID: "a", Cursor: "r100", Take: 100}
	keyB  = Key{WorkbookID: "wb", TableID: "b", Take: 100}
)

func TestNew(t *testing.T) {
	_, err := New(nil, 10, nil)
	require.Error(t, err)

	c, err := New(newFakeSource(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetReadThrough(t *testing.T) {
	src := newFakeSource()
	src.set(keyA1, page("r1", "r2"))
	c, err := New(src, 10, nil)
	require.NoError(t, err)

	got, err := c.Get(context.Background(), keyA1)
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)

	_, err = c.Get(context.Background(), keyA1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load(), "second get should hit the cache")

	peeked, ok := c.Peek(keyA1)
	assert.True(t, ok)
	assert.Same(t, got, peeked)
}

func TestCache_GetError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("boom")
	c, err := New(src, 10, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), keyA1)
	require.Error(t, err)
	assert.ErrorIs(t, err, src.err)

	_, ok := c.Peek(keyA1)
	assert.False(t, ok)
}

func TestCache_GetSharesConcurrentFetch(t *testing.T) {
	src := newFakeSource()
	src.blockFirst = make(chan struct{})
	src.set(keyA1, page("r1"))
	c, err := New(src, 10, nil)
	require.NoError(t, err)

	results := make(chan *records.Page, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), keyA1)
			assert.NoError(t, err)
			results <- got
		}()
	}

	require.Eventually(t, func() bool { return src.fetches.Load() >= 1 }, timeout, tick)
	close(src.blockFirst)
	wg.Wait()
	close(results)

	cached, ok := c.Peek(keyA1)
	require.True(t, ok)
	for got := range results {
		assert.Equal(t, cached.Records, got.Records)
	}
}

func TestCache_MutateMatching(t *testing.T) {
	c, err := New(newFakeSource(), 10, nil)
	require.NoError(t, err)
	c.Set(keyA1, page("r1"))
	c.Set(keyA2, page("r2"))
	c.Set(keyB, page("r3"))

	n := c.Mutate(TableMatcher("wb", "a"), func(p *records.Page) *records.Page {
		return records.Project(p, []records.Operation{
			records.Update("r1", map[string]any{"name": "edited"}),
		}, fixedNow)
	})
	assert.Equal(t, 2, n)

	a1, _ := c.Peek(keyA1)
	assert.Equal(t, "edited", a1.Records[0].Fields["name"])
	a2, _ := c.Peek(keyA2)
	assert.Equal(t, "r2", a2.Records[0].Fields["name"])
	b, _ := c.Peek(keyB)
	assert.Equal(t, "r3", b.Records[0].Fields["name"])
}

func TestCache_MutateNilKeepsEntry(t *testing.T) {
	c, err := New(newFakeSource(), 10, nil)
	require.NoError(t, err)
	original := page("r1")
	c.Set(keyA1, original)

	n := c.Mutate(TableMatcher("wb", "a"), func(*records.Page) *records.Page { return nil })
	assert.Equal(t, 0, n)

	got, _ := c.Peek(keyA1)
	assert.Same(t, original, got)
}

func TestCache_RevalidateMatching(t *testing.T) {
	src := newFakeSource()
	c, err := New(src, 10, nil)
	require.NoError(t, err)
	c.Set(keyA1, page("stale"))
	c.Set(keyA2, page("stale"))
	c.Set(keyB, page("stale"))

	src.set(keyA1, page("fresh1"))
	src.set(keyA2, page("fresh2"))

	n, err := c.RevalidateMatching(context.Background(), TableMatcher("wb", "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), src.fetches.Load())

	a1, _ := c.Peek(keyA1)
	assert.Equal(t, "fresh1", a1.Records[0].ID)
	a2, _ := c.Peek(keyA2)
	assert.Equal(t, "fresh2", a2.Records[0].ID)
	b, _ := c.Peek(keyB)
	assert.Equal(t, "stale", b.Records[0].ID)
}

func TestCache_RevalidateErrorKeepsStale(t *testing.T) {
	src := newFakeSource()
	c, err := New(src, 10, nil)
	require.NoError(t, err)
	c.Set(keyA1, page("stale"))

	src.err = errors.New("unavailable")
	err = c.Revalidate(context.Background(), keyA1)
	require.Error(t, err)

	got, ok := c.Peek(keyA1)
	require.True(t, ok)
	assert.Equal(t, "stale", got.Records[0].ID)
}

func TestCache_StaleReadDoesNotOverwriteRevalidation(t *testing.T) {
	src := newFakeSource()
	src.blockFirst = make(chan struct{})
	src.set(keyA1, page("old"))
	c, err := New(src, 10, nil)
	require.NoError(t, err)

	done := make(chan *records.Page)
	go func() {
		got, err := c.Get(context.Background(), keyA1)
		assert.NoError(t, err)
		done <- got
	}()
	// The read has captured "old" and is parked.
	require.Eventually(t, func() bool { return src.fetches.Load() == 1 }, timeout, tick)

	src.set(keyA1, page("new"))
	require.NoError(t, c.Revalidate(context.Background(), keyA1))

	close(src.blockFirst)
	got := <-done
	assert.Equal(t, "new", got.Records[0].ID)

	cached, _ := c.Peek(keyA1)
	assert.Equal(t, "new", cached.Records[0].ID)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(newFakeSource(), 2, nil)
	require.NoError(t, err)
	c.Set(keyA1, page("1"))
	c.Set(keyA2, page("2"))
	c.Set(keyB, page("3"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek(keyA1)
	assert.False(t, ok)
}

func TestCache_Remove(t *testing.T) {
	c, err := New(newFakeSource(), 10, nil)
	require.NoError(t, err)
	c.Set(keyA1, page("1"))
	c.Set(keyA2, page("2"))
	c.Set(keyB, page("3"))

	assert.Equal(t, 2, c.Remove(TableMatcher("wb", "a")))
	assert.Equal(t, []Key{keyB}, c.Keys(nil))
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "wb/a?cursor=r100&take=100", keyA2.String())
}
