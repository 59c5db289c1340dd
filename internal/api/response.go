package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/mcdock/internal/registry"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// workloadError maps a registry error to a response. Unknown workloads are
// 404; everything else is logged and reported as 500.
func workloadError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrUnknownWorkload) {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("workload request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	jsonError(w, http.StatusInternalServerError, err.Error())
}
