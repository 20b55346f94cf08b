package sdk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/celerix-dev/crowdgate/pkg/schema"
)

// Failure kinds carried by ERR replies.
const (
	FailureStore   = "store"
	FailureSchema  = "schema"
	FailureType    = "type"
	FailureRequest = "request"
)

// EncodeError flattens err for an ERR reply, keeping what DecodeError needs
// to rebuild a typed error on the other side.
func EncodeError(err error) schema.StoreFailure {
	var sch *SchemaError
	if errors.As(err, &sch) {
		return schema.StoreFailure{Kind: FailureSchema, Table: sch.Table, Message: sch.Reason}
	}
	if errors.Is(err, ErrTypeMismatch) {
		return schema.StoreFailure{Kind: FailureType, Message: err.Error()}
	}
	var se *StoreError
	if errors.As(err, &se) {
		f := schema.StoreFailure{
			Kind:    FailureStore,
			Op:      se.Op,
			Table:   se.Table,
			Code:    se.Code,
			Status:  se.StatusCode,
			Missing: errors.Is(err, ErrNotFound),
		}
		if se.Err != nil {
			f.Message = se.Err.Error()
		}
		return f
	}
	return schema.StoreFailure{Kind: FailureRequest, Message: err.Error()}
}

// DecodeError is the inverse of EncodeError.
func DecodeError(f schema.StoreFailure) error {
	switch f.Kind {
	case FailureSchema:
		return &SchemaError{Table: f.Table, Reason: f.Message}
	case FailureType:
		return fmt.Errorf("%w: %s", ErrTypeMismatch, strings.TrimPrefix(f.Message, ErrTypeMismatch.Error()+": "))
	case FailureStore:
		inner := errors.New(f.Message)
		if f.Missing {
			if f.Message == ErrNotFound.Error() {
				inner = ErrNotFound
			} else {
				inner = fmt.Errorf("%w (%s)", ErrNotFound, f.Message)
			}
		}
		return &StoreError{Op: f.Op, Table: f.Table, StatusCode: f.Status, Code: f.Code, Err: inner}
	}
	return errors.New(f.Message)
}
