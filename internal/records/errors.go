package records

import "errors"

// Operation validation errors.
var (
	ErrMissingRecordID = errors.New("record id is required")
	ErrUnknownOp       = errors.New("unknown operation")
	ErrEmptyUpdate     = errors.New("update carries no fields")
	ErrCreateWithID    = errors.New("create must not carry a record id")
)
