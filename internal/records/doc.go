// Package records defines workbook records, the operations that edit them, and the
// optimistic projection that applies not-yet-persisted operations to a cached page.
//
// A record is never removed by a delete operation. Deletion is a flag stored in the
// record's edit metadata under DeletedKey so the grid can keep rendering the row
// (struck through) until the server confirms it.
//
// Project is pure: given the same page, operations and timestamp it returns the same
// result, and it never mutates its input.
package records
