package errors

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
)

const statusClientClosedRequest = 499

var httpStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.Canceled:           statusClientClosedRequest,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.FailedPrecondition: http.StatusPreconditionFailed,
	codes.Aborted:            http.StatusConflict,
	codes.Unavailable:        http.StatusServiceUnavailable,
}

// HTTPStatus maps code to a response status; unlisted codes are a 500.
func HTTPStatus(code codes.Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (e ErrorResponse) ToHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(HTTPStatus(e.Code))
	_ = json.NewEncoder(w).Encode(e.wire())
}

// ToHTTPWithRetry is ToHTTP plus Retry-After in whole seconds, rounded up.
func (e ErrorResponse) ToHTTPWithRetry(w http.ResponseWriter, retryAfter time.Duration) {
	sec := max(int(math.Ceil(retryAfter.Seconds())), 0)
	w.Header().Set("Retry-After", strconv.Itoa(sec))
	e.ToHTTP(w)
}
