package recordstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whalesync/scratch-cli-sub001/internal/records"
)

type tableRef struct {
	workbookID string
	tableID    string
}

// MemStore is an in-memory Store.
//
// Every bulk call is validated in full before anything is applied, and is applied
// under one lock, so a call is atomic. Records keep insertion order, which is also
// the paging order.
type MemStore struct {
	mu     sync.RWMutex
	tables map[tableRef][]records.Record
	now    func() time.Time
	newID  func() string
}

var _ Store = (*MemStore)(nil)

// MemStoreOption configures a MemStore.
type MemStoreOption func(*MemStore)

// WithNow sets the clock used to stamp edits.
func WithNow(now func() time.Time) MemStoreOption {
	return func(s *MemStore) { s.now = now }
}

// WithIDGenerator sets the id generator used for created records.
func WithIDGenerator(newID func() string) MemStoreOption {
	return func(s *MemStore) { s.newID = newID }
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{
		tables: make(map[tableRef][]records.Record),
		now:    time.Now,
		newID:  func() string { return "rec_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed inserts records as they are, assigning ids to records without one.
// It returns the inserted records.
func (s *MemStore) Seed(workbookID, tableID string, recs ...records.Record) []records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := tableRef{workbookID, tableID}
	out := make([]records.Record, 0, len(recs))
	for _, r := range recs {
		r = r.Clone()
		if r.ID == "" {
			r.ID = s.newID()
		}
		s.tables[ref] = append(s.tables[ref], r)
		out = append(out, r)
	}
	return out
}

// BulkUpdateRecords implements Store.
func (s *MemStore) BulkUpdateRecords(ctx context.Context, workbookID, tableID string, ops []records.Operation) error {
	_, err := s.Apply(ctx, workbookID, tableID, ops)
	return err
}

// Apply applies ops atomically and returns the created records.
func (s *MemStore) Apply(ctx context.Context, workbookID, tableID string, ops []records.Operation) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := tableRef{workbookID, tableID}
	current := s.tables[ref]

	known := make(map[string]bool, len(current))
	for _, r := range current {
		known[r.ID] = true
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrInvalidOperation, i, err)
		}
		if op.Op != records.OpCreate && !known[op.RecordID] {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, op.RecordID)
		}
	}

	now := s.now()
	page := records.Project(&records.Page{Records: current}, ops, now)

	var created []records.Record
	for _, op := range ops {
		if op.Op != records.OpCreate {
			continue
		}
		rec := records.Record{ID: s.newID(), Fields: make(map[string]any, len(op.Data))}
		for k, v := range op.Data {
			rec.Fields[k] = v
		}
		page.Records = append(page.Records, rec)
		created = append(created, rec.Clone())
	}

	s.tables[ref] = page.Records
	return created, nil
}

// ListRecords implements Store. The cursor is the id of the first record to return.
func (s *MemStore) ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	take = normalizeTake(take)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.tables[tableRef{workbookID, tableID}]
	start := 0
	if cursor != "" {
		start = -1
		for i, r := range all {
			if r.ID == cursor {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("%w: cursor %s", ErrRecordNotFound, cursor)
		}
	}

	end := start + take
	if end > len(all) {
		end = len(all)
	}

	page := &records.Page{Records: make([]records.Record, 0, end-start)}
	for _, r := range all[start:end] {
		page.Records = append(page.Records, r.Clone())
	}
	if end < len(all) {
		page.NextCursor = all[end].ID
	}
	return page, nil
}

// Len returns the number of records in a table.
func (s *MemStore) Len(workbookID, tableID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[tableRef{workbookID, tableID}])
}
