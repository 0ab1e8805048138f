package errors

import "google.golang.org/grpc/codes"

// Presets carry a generic message; fromErrx replaces it with the failing
// operation's own.

func Unknown() ErrorResponse {
	return preset(codes.Unknown, "unknown", "Outcome of the operation is unknown")
}

func Canceled() ErrorResponse {
	return preset(codes.Canceled, "canceled", "Request canceled by the caller")
}

func InvalidArgument() ErrorResponse {
	return preset(codes.InvalidArgument, "invalid_argument", "Invalid request")
}

func DeadlineExceeded() ErrorResponse {
	return preset(codes.DeadlineExceeded, "deadline_exceeded", "Deadline exceeded")
}

func FailedPrecondition() ErrorResponse {
	return preset(codes.FailedPrecondition, "failed_precondition", "Service is misconfigured")
}

func Aborted() ErrorResponse {
	return preset(codes.Aborted, "aborted", "Transaction aborted")
}

func Internal() ErrorResponse {
	return preset(codes.Internal, "internal", "Internal error")
}

func Unavailable() ErrorResponse {
	return preset(codes.Unavailable, "unavailable", "Database unavailable")
}

// ValidationFields reports request field failures, field -> code, both as
// details and as violations.
func ValidationFields(fields map[string]string) ErrorResponse {
	return InvalidArgument().
		WithReason("validation_failed").
		WithDetails(fields).
		WithViolations(ViolationsFromMap(fields))
}

func preset(code codes.Code, reason, msg string) ErrorResponse {
	return New(msg, code, nil).WithReason(reason)
}
