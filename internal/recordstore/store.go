// Package recordstore talks to the authoritative record store.
//
// Client is the HTTP implementation used by the CLI. MemStore is an in-memory store
// with the same semantics; the development server serves it over HTTP.
package recordstore

import (
	"context"

	"github.com/whalesync/scratch-cli-sub001/internal/records"
)

// Page sizes used when listing records.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Store is the remote record store.
type Store interface {
	// BulkUpdateRecords applies ops to one table. The call either applies every
	// operation or none of them.
	BulkUpdateRecords(ctx context.Context, workbookID, tableID string, ops []records.Operation) error

	// ListRecords returns one page of a table starting at cursor.
	ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error)
}

// BulkRequest is the body of a bulk update call.
type BulkRequest struct {
	Ops []records.Operation `json:"ops"`
}

// BulkResponse is the body returned by a successful bulk update call.
type BulkResponse struct {
	// Created lists the records inserted by create operations, in request order.
	Created []records.Record `json:"created,omitempty"`
}

// ErrorResponse is the body of a failed call.
type ErrorResponse struct {
	Message string `json:"message"`
}

func normalizeTake(take int) int {
	if take <= 0 {
		return DefaultPageSize
	}
	if take > MaxPageSize {
		return MaxPageSize
	}
	return take
}
