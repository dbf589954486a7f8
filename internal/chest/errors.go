// Package chest implements the chest lifecycle engine (C5): the session
// state machine, and the upload/seal/retrieve/download operations bridging
// the metadata store (C3) and blob store (C4).
package chest

import "errors"

// Kind is the §7 error taxonomy the HTTP layer maps to status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

// Error carries a taxonomy Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func badRequest(msg string) *Error            { return newErr(KindBadRequest, msg, nil) }
func unauthorized(msg string) *Error          { return newErr(KindUnauthorized, msg, nil) }
func forbidden(msg string) *Error             { return newErr(KindForbidden, msg, nil) }
func notFound(msg string) *Error              { return newErr(KindNotFound, msg, nil) }
func conflict(msg string) *Error              { return newErr(KindConflict, msg, nil) }
func internal(msg string, cause error) *Error { return newErr(KindInternal, msg, cause) }

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
