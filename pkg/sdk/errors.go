package sdk

import (
	"errors"
	"fmt"
	"strings"
)

// StoreError wraps a failure reported by a key-value or blob store.
// Callers decide the retry policy; nothing in this package retries.
type StoreError struct {
	Op         string
	Table      string
	StatusCode int    // HTTP status, zero when the transport has none
	Code       string // service error code, if any
	RequestID  string
	Err        error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString(" ")
		b.WriteString(e.Table)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request-id=%s", e.RequestID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// SchemaError reports a table whose key schema cannot be used. It is never retried.
type SchemaError struct {
	Table  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema of table %q: %s", e.Table, e.Reason)
}

// Wrap returns err as a *StoreError for op on table, unless it already is one.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	var sch *SchemaError
	if errors.As(err, &sch) {
		return err
	}
	return &StoreError{Op: op, Table: table, Err: err}
}
