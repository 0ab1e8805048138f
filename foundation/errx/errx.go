package errx

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can pick a retry policy.
type Kind string

const (
	KindConfig          Kind = "config"
	KindConnect         Kind = "connect"
	KindPoolTimeout     Kind = "pool_timeout"
	KindPoolUnavailable Kind = "pool_unavailable"
	KindValidation      Kind = "validation"
	KindEnqueue         Kind = "enqueue"
	KindReceive         Kind = "receive"
	KindCommit          Kind = "commit"
	KindQuery           Kind = "query"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrConfig          = &Error{Kind: KindConfig}
	ErrConnect         = &Error{Kind: KindConnect}
	ErrPoolTimeout     = &Error{Kind: KindPoolTimeout}
	ErrPoolUnavailable = &Error{Kind: KindPoolUnavailable}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrEnqueue         = &Error{Kind: KindEnqueue}
	ErrReceive         = &Error{Kind: KindReceive}
	ErrCommit          = &Error{Kind: KindCommit}
	ErrQuery           = &Error{Kind: KindQuery}
)

// Error is the single error type shared by the auth, postgres and queue layers.
// Op and Queue are diagnostic context; they never carry credentials.
type Error struct {
	Kind  Kind
	Op    string
	Queue string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Queue != "" {
		fmt.Fprintf(&b, " (queue %q)", e.Queue)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Queue == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Code returns the database error code of the wrapped cause, if any.
func (e *Error) Code() string {
	var coded interface{ SQLState() string }
	if errors.As(e.Err, &coded) {
		return coded.SQLState()
	}
	return ""
}

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: strings.TrimSpace(msg)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapQueue is Wrap with the queue name attached.
func WrapQueue(kind Kind, op, queue string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Queue: queue, Err: err}
}

func Config(msg string) error { return New(KindConfig, "", msg) }

func Validation(op, msg string) error { return New(KindValidation, op, msg) }

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the database error code carried anywhere in err's chain.
func CodeOf(err error) string {
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState()
	}
	return ""
}

// Retryable reports whether repeating the whole operation is safe.
// Commit failures are excluded: the batch may or may not have landed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindPoolTimeout, KindPoolUnavailable, KindEnqueue, KindReceive:
		return true
	default:
		return false
	}
}
