package clinical

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidStatus = errors.New("invalid status")
	// ErrConflict reports an event that the record's current state forbids,
	// such as dispensing a cancelled prescription.
	ErrConflict = errors.New("conflicting record state")
)
