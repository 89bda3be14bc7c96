package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/qaerrors"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

// statusForKind maps an error kind name to the HTTP status of a failed run.
func statusForKind(kind string) int {
	switch kind {
	case qaerrors.KindValidation.String():
		return http.StatusBadRequest
	case qaerrors.KindConfiguration.String():
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// statusForResult picks the response status for a processed event.
func statusForResult(res *pipeline.Result) int {
	switch res.Status {
	case pipeline.StatusDone, pipeline.StatusDuplicate:
		return http.StatusOK
	case pipeline.StatusPartial:
		return http.StatusMultiStatus
	}
	if res.Error != nil {
		return statusForKind(res.Error.Kind)
	}
	return http.StatusBadGateway
}
