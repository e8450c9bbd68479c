package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry,
// reconfigure or give up.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindCredential        Kind = "credential"
	KindExternalTransient Kind = "external_transient"
	KindExternalPermanent Kind = "external_permanent"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStorage           Kind = "storage"
	KindInternal          Kind = "internal"
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a kinded error. A nil cause is allowed.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, msg string) error {
	return E(KindValidation, op, msg, nil)
}

func NotFound(op, msg string) error {
	return E(KindNotFound, op, msg, nil)
}

func Conflict(op, msg string) error {
	return E(KindConflict, op, msg, nil)
}

// Storage wraps a store failure. Errors the store already classified, such
// as not found or conflict, keep their kind.
func Storage(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return E(KindStorage, op, "", err)
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindExternalTransient
}
