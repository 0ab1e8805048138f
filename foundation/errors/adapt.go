package errors

import (
	"context"
	"errors"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// ToErrorResponse converts any error into ErrorResponse (transport-agnostic).
// Supported inputs:
// - ErrorResponse / *ErrorResponse (direct passthrough)
// - *errx.Error, mapped by Kind; op, queue and sqlstate go to Details
// - context.Canceled / context.DeadlineExceeded
func ToErrorResponse(err error) ErrorResponse {
	if err == nil {
		return Internal().WithReason("unexpected_error")
	}

	if e, ok := err.(ErrorResponse); ok {
		return e
	}

	var ep *ErrorResponse
	if errors.As(err, &ep) && ep != nil {
		return *ep
	}

	var xe *errx.Error
	if errors.As(err, &xe) {
		return fromErrx(xe)
	}

	if errors.Is(err, context.Canceled) {
		return Canceled()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded()
	}

	return Internal().WithReason("unexpected_error")
}

func fromErrx(e *errx.Error) ErrorResponse {
	var resp ErrorResponse
	switch e.Kind {
	case errx.KindConfig:
		resp = FailedPrecondition().WithReason("config_invalid")
	case errx.KindValidation:
		resp = InvalidArgument().WithReason("validation_failed")
	case errx.KindConnect:
		resp = Unavailable().WithReason("connect_failed")
	case errx.KindPoolTimeout:
		resp = Unavailable().WithReason("pool_timeout")
	case errx.KindPoolUnavailable:
		resp = Unavailable().WithReason("pool_unavailable")
	case errx.KindEnqueue:
		resp = Aborted().WithReason("enqueue_failed")
	case errx.KindReceive:
		resp = Aborted().WithReason("receive_failed")
	case errx.KindCommit:
		// The batch may or may not have landed.
		resp = Unknown().WithReason("commit_ambiguous")
	case errx.KindQuery:
		if errx.CodeOf(e) != "" {
			resp = InvalidArgument().WithReason("query_failed")
		} else {
			resp = Aborted().WithReason("query_failed")
		}
	default:
		resp = Internal().WithReason("unexpected_error")
	}

	// A caller that gave up is told so, whatever layer noticed it.
	if errors.Is(e, context.Canceled) && e.Kind != errx.KindCommit {
		resp = Canceled()
	}

	resp = resp.
		WithMessage(e.Error()).
		WithDetail("kind", string(e.Kind)).
		WithDetail("op", e.Op).
		WithDetail("queue", e.Queue).
		WithDetail("sqlstate", errx.CodeOf(e))
	if errx.Retryable(e) {
		resp = resp.WithDetail("retryable", "true")
	}
	return resp
}

// Retryable reports whether resp invites the caller to repeat the request.
func (e ErrorResponse) Retryable() bool {
	return e.Details["retryable"] == "true"
}
