package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorKind classifies a failure so that the presentation layer can decide what to render.
type ErrorKind int

const (
	// KindNotFound means the room is absent or not accessible. Terminal for the room view.
	KindNotFound ErrorKind = iota + 1
	// KindTransport means a network, socket or 5xx failure. Recoverable by re-entering the room.
	KindTransport
	// KindNotMember means an action was attempted which requires membership, room ownership or a usable
	// live channel.
	KindNotMember
	// KindValidation means the input was rejected before any network call was made.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindTransport:
		return "transport error"
	case KindNotMember:
		return "not a member"
	case KindValidation:
		return "validation error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrNotMember  = &Error{Kind: KindNotMember}
	ErrValidation = &Error{Kind: KindValidation}
)

// Error is a classified failure returned from every public operation.
type Error struct {
	Kind ErrorKind
	// The operation which failed e.g "history", "send"
	Op string
	// The HTTP status code if this failure came from a REST call, else 0.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind only, so errors.Is(err, ErrNotFound) works for any not-found failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// StatusError classifies a non-2xx REST response. 400, 403, 404 and 422 mean the room does not
// exist or cannot be seen by this user (malformed room IDs are rejected with 422). Everything else
// is treated as a transport failure.
func StatusError(op string, statusCode int, body string) *Error {
	kind := KindTransport
	switch statusCode {
	case 400, 403, 404, 422:
		kind = KindNotFound
	}
	var err error
	if body != "" {
		err = errors.New(body)
	}
	return &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: statusCode,
		Err:        err,
	}
}

// KindOf returns the kind of err, or 0 if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and ROOMSYNC_DEBUG=1 then the program panics.
// If expr is false and ROOMSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("list is not empty", len(list) > 0)
//
// Which then produces:
//
//	assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("ROOMSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
