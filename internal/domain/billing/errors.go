package billing

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrNoPatient               = errors.New("no patient linked")
	ErrDuplicateAcrossAccounts = errors.New("already billed on another account")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrAccountCreation         = errors.New("billing account could not be created")
	ErrSchemaUnsupported       = errors.New("not supported by the current schema")
	ErrTransient               = errors.New("billing store temporarily unavailable")
	ErrAccountClosed           = errors.New("billing account is paid")
	ErrInvalidStatus           = errors.New("invalid billing status")
	ErrInvalidInput            = errors.New("invalid input")
	ErrPatientMismatch         = errors.New("charge belongs to a different patient")
	ErrOpenAccountExists       = errors.New("another open account exists for this scope")
	ErrStatusNotApplied        = errors.New("status change was not applied")
)
