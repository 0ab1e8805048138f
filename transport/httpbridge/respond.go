package httpbridge

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	apierr "github.com/vortex-fintech/dbqueue/foundation/errors"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/logger"
)

const poolRetryAfter = time.Second

var errPanic = apierr.Internal().WithReason("panic")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to an ErrorResponse. Server-side failures are logged
// at warn; rejected input only at debug.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	resp := apierr.ToErrorResponse(err)
	status := apierr.HTTPStatus(resp.Code)

	l := logger.FromContext(r.Context(), log).With(
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("reason", string(resp.Reason)),
	)
	if status >= 500 {
		l.Warn("request failed", zap.Error(err))
	} else {
		l.Debug("request rejected", zap.Error(err))
	}

	if errx.KindOf(err) == errx.KindPoolTimeout {
		resp.ToHTTPWithRetry(w, poolRetryAfter)
		return
	}
	resp.ToHTTP(w)
}

// decodeError turns a body decoding failure into a validation error.
func decodeError(op string, err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errx.Validation(op, "request body too large")
	}
	return errx.Validation(op, "malformed request body: "+err.Error())
}
