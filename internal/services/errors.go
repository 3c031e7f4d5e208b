package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when an entry is asked to move
	// to a state its current status forbids.
	ErrInvalidTransition = errors.New("invalid entry transition")

	// ErrNotAdjustable is returned when adjusting anything other than
	// a paid, not-yet-adjusted entry.
	ErrNotAdjustable = errors.New("entry is not adjustable")

	// ErrBatchNotConfirmable is returned when confirming a batch that
	// is neither uploaded nor failed.
	ErrBatchNotConfirmable = errors.New("import batch cannot be confirmed")
)

// MissingColumnsError fails a whole import preview when required
// header columns are absent.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

// ConnectorError is returned once the ERP connector has exhausted its
// retries for one call.
type ConnectorError struct {
	Provider string
	Action   string
	Attempts int
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("erp connector %s/%s failed after %d attempts: %v", e.Provider, e.Action, e.Attempts, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}
