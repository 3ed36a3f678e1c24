package records

import (
	"fmt"
	"time"
)

// DeletedKey is the edit-metadata key that marks a record as deleted.
const DeletedKey = "__deleted"

// OpKind identifies the kind of a record operation.
type OpKind string

const (
	// OpCreate inserts a new record. Creates are never buffered.
	OpCreate OpKind = "create"
	// OpUpdate merges field values into an existing record.
	OpUpdate OpKind = "update"
	// OpDelete marks an existing record as deleted.
	OpDelete OpKind = "delete"
	// OpUndelete clears the deleted marker of a record.
	OpUndelete OpKind = "undelete"
)

// Record is a single row of a table.
type Record struct {
	// ID is the workspace id of the record (wsId).
	ID string `json:"id"`

	// Fields holds field values keyed by field name.
	Fields map[string]any `json:"fields"`

	// EditedFields stamps each locally edited field with the time of the edit.
	// DeletedKey marks a pending deletion.
	EditedFields map[string]time.Time `json:"__edited_fields,omitempty"`

	// SuggestedValues holds AI suggestions. The edit buffer never touches them.
	SuggestedValues map[string]any `json:"__suggested_values,omitempty"`
}

// Deleted reports whether the record carries the deleted marker.
func (r Record) Deleted() bool {
	_, ok := r.EditedFields[DeletedKey]
	return ok
}

// Clone returns a shallow copy of r with fresh Fields and EditedFields maps.
func (r Record) Clone() Record {
	cp := r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	cp.EditedFields = make(map[string]time.Time, len(r.EditedFields)+1)
	for k, v := range r.EditedFields {
		cp.EditedFields[k] = v
	}
	return cp
}

// Page is one cached page of a table's records.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Find returns the record with the given id.
func (p *Page) Find(id string) (Record, bool) {
	if p == nil {
		return Record{}, false
	}
	for _, r := range p.Records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Operation is a single record mutation as sent to the bulk update endpoint.
type Operation struct {
	Op       OpKind         `json:"op"`
	RecordID string         `json:"wsId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Update returns an update operation. The field map is copied.
func Update(recordID string, data map[string]any) Operation {
	return Operation{Op: OpUpdate, RecordID: recordID, Data: copyData(data)}
}

// Delete returns a delete operation.
func Delete(recordID string) Operation {
	return Operation{Op: OpDelete, RecordID: recordID}
}

// Undelete returns an undelete operation. Coalescing may merge later updates
// into it, so a store must apply the Data an undelete carries.
func Undelete(recordID string) Operation {
	return Operation{Op: OpUndelete, RecordID: recordID}
}

// Create returns a create operation. The server assigns the record id.
func Create(data map[string]any) Operation {
	return Operation{Op: OpCreate, Data: copyData(data)}
}

// Enqueueable reports whether the operation may enter the edit buffer.
func (o Operation) Enqueueable() bool {
	switch o.Op {
	case OpUpdate, OpDelete, OpUndelete:
		return true
	default:
		return false
	}
}

// Validate checks the operation's shape.
func (o Operation) Validate() error {
	switch o.Op {
	case OpCreate:
		if o.RecordID != "" {
			return ErrCreateWithID
		}
		return nil
	case OpUpdate:
		if o.RecordID == "" {
			return ErrMissingRecordID
		}
		if len(o.Data) == 0 {
			return ErrEmptyUpdate
		}
		return nil
	case OpDelete, OpUndelete:
		if o.RecordID == "" {
			return ErrMissingRecordID
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, o.Op)
	}
}

// WithData returns a copy of o whose data is the merge of o.Data and data,
// with values from data winning. On an undelete the merged fields are only
// saved by stores that honour undelete data.
func (o Operation) WithData(data map[string]any) Operation {
	merged := make(map[string]any, len(o.Data)+len(data))
	for k, v := range o.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	o.Data = merged
	return o
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}
