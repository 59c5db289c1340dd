package api

import (
	"net/http"
	"strconv"

	"github.com/user/mcdock/internal/db"
)

const maxEventLimit = 1000

func (h *handler) listServers(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.workloads.SnapshotAll(r.Context())
	if err != nil {
		workloadError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, snaps)
}

func (h *handler) getServer(w http.ResponseWriter, r *http.Request) {
	snap, err := h.workloads.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		workloadError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, snap)
}

func (h *handler) createServer(w http.ResponseWriter, r *http.Request) {
	id, err := h.workloads.Create(r.Context())
	if err != nil {
		workloadError(w, r, err)
		return
	}
	snap, err := h.workloads.Snapshot(r.Context(), id)
	if err != nil {
		workloadError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, snap)
}

func (h *handler) startServer(w http.ResponseWriter, r *http.Request) {
	if err := h.workloads.Start(r.Context(), r.PathValue("id")); err != nil {
		workloadError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) stopServer(w http.ResponseWriter, r *http.Request) {
	if err := h.workloads.Stop(r.Context(), r.PathValue("id")); err != nil {
		workloadError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) listServerEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.workloads.Session(id); err != nil {
		workloadError(w, r, err)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventLimit {
			jsonError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events := []*db.Event{}
	if h.events != nil {
		list, err := h.events.ListByWorkload(r.Context(), id, limit)
		if err != nil {
			workloadError(w, r, err)
			return
		}
		if list != nil {
			events = list
		}
	}
	jsonResponse(w, http.StatusOK, events)
}
