// Package apperr defines the error taxonomy shared by the settlement
// components. Handlers map a Kind to an HTTP status; callers use errors.As
// to recover the structured detail.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies an error by how the caller is expected to recover.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindConflict          Kind = "CONFLICT"
	KindReconciliation    Kind = "RECONCILIATION"
	KindUnavailable       Kind = "UPSTREAM_UNAVAILABLE"
)

// Error is the structured error returned by every core operation.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports rejected input. Nothing has been mutated.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

// NotFound reports a missing entity.
func NotFound(entity string, id uuid.UUID) *Error {
	return &Error{Kind: KindNotFound, Field: entity, Message: fmt.Sprintf("%s not found", id)}
}

// Conflict reports a state conflict; the caller must re-fetch before retrying.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Unavailable wraps a store or network failure.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: op, Err: err}
}

// KindOf returns the Kind of err, or "" when err carries no taxonomy.
func KindOf(err error) Kind {
	// A reconciliation error wraps the failed step's error, so it is
	// matched first.
	var re *ReconciliationError
	if errors.As(err, &re) {
		return KindReconciliation
	}
	var se *InsufficientStockError
	if errors.As(err, &se) {
		return KindInsufficientStock
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// InsufficientStockError is raised when an out delta would drive an item's
// quantity below zero.
type InsufficientStockError struct {
	ItemID    uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %s, available %s",
		e.ItemID, e.Requested.String(), e.Available.String())
}

// ReconciliationError reports a settlement that committed inventory but
// could not finish the remaining steps. The settlement stays pending and
// can be retried with the same key.
type ReconciliationError struct {
	Key       string
	Completed []string
	Failed    string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("settlement %s incomplete: step %s failed after [%s]: %v",
		e.Key, e.Failed, strings.Join(e.Completed, ", "), e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
