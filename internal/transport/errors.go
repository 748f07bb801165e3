package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	// KindTransient covers network timeouts, rate limits and 5xx responses.
	// Callers retry on their next natural iteration.
	KindTransient ErrorKind = iota
	// KindPermanent covers invalid credentials, missing destinations and
	// malformed requests. Retrying will not help.
	KindPermanent
	// KindNotFound means the referenced remote object (e.g. a message to
	// edit) no longer exists.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type returned by adapters.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err classified as kind. A nil err stays nil.
func Wrap(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf reports the kind of err. Errors that were never classified count as
// transient, except context cancellation which is permanent for the caller.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

func IsTemporary(err error) bool { return err != nil && KindOf(err) == KindTransient }
