package attendance

import (
	"errors"
	"strings"
)

// Client errors. Handlers map these to 400/404 and never retry.
var (
	ErrMalformedPayload  = errors.New("invalid QR data format")
	ErrMissingParameters = errors.New("subject, date and type are required")
	ErrStudentNotFound   = errors.New("student not found")
	ErrDuplicateScan     = errors.New("attendance already recorded for this subject and date")
)

// MissingFieldsError names the QR payload fields that were absent.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// PersistenceError wraps a storage failure. The transaction it happened in was
// rolled back, so the caller may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
