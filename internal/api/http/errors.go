package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	fperrors "github.com/featurepack/featurepack/internal/errors"
)

// StatusFor maps an error to its HTTP status. Query-level failures are the
// client's; snapshot and storage failures are the server's.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Nginx's "client closed request"; only ever seen in logs and metrics.
		return 499
	}

	switch fperrors.GetCode(err) {
	case fperrors.CodeNotFound, fperrors.CodeCollectionUnknown:
		return http.StatusNotFound
	case fperrors.CodeRetired:
		return http.StatusServiceUnavailable
	}
	if fperrors.IsClientError(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes err as a JSON error response. Server-side failures
// hide their cause from the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Code:      fperrors.GetCode(err),
		Error:     fperrors.GetMessage(err),
		RequestID: GetRequestID(r.Context()),
	}
	var fe *fperrors.FeatureError
	if errors.As(err, &fe) && fperrors.IsClientError(err) {
		resp.Details = fe.Details
	}

	switch {
	case status == http.StatusGatewayTimeout:
		resp.Code = "TIMEOUT"
		resp.Error = "query timed out"
	case status == http.StatusServiceUnavailable:
		retryAfter(w, time.Second)
	case status >= http.StatusInternalServerError:
		h.logger.Error("query failed", "path", r.URL.Path, "request_id", resp.RequestID, "error", err)
		if resp.Code == "" {
			resp.Code = fperrors.CodeUnexpected
		}
		resp.Error = "internal server error"
	}
	writeError(w, status, resp)
}
