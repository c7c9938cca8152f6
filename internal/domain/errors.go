package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidState     = errors.New("invalid session state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
)

// PersistenceError оборачивает сбои стора/БД. In-memory состояние при таких
// ошибках не портится: операция падает и повторяется следующим вызовом.
type PersistenceError struct {
	Op  string // Например "store.set" или "archive.write"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
