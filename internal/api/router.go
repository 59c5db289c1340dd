package api

import (
	"context"
	"net/http"

	"github.com/user/mcdock/internal/console"
	"github.com/user/mcdock/internal/db"
	"github.com/user/mcdock/internal/registry"
)

type workloads interface {
	Create(ctx context.Context) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (registry.Snapshot, error)
	SnapshotAll(ctx context.Context) ([]registry.Snapshot, error)
	Session(id string) (*console.Session, error)
}

type eventLister interface {
	ListByWorkload(ctx context.Context, workloadID string, limit int) ([]*db.Event, error)
}

type handler struct {
	workloads workloads
	events    eventLister
}

// NewRouter serves the workload API under /api. Console websocket routes are
// passed to consoleHandler without the JSON middleware. events may be nil,
// in which case the events endpoint reports an empty history.
func NewRouter(w workloads, events eventLister, consoleHandler http.Handler) http.Handler {
	h := &handler{workloads: w, events: events}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/servers", h.listServers)
	api.HandleFunc("POST /api/servers", h.createServer)
	api.HandleFunc("GET /api/servers/{id}", h.getServer)
	api.HandleFunc("POST /api/servers/{id}/start", h.startServer)
	api.HandleFunc("POST /api/servers/{id}/stop", h.stopServer)
	api.HandleFunc("GET /api/servers/{id}/events", h.listServerEvents)

	mux := http.NewServeMux()
	mux.Handle("/api/", jsonMiddleware(corsMiddleware(api)))
	if consoleHandler != nil {
		mux.Handle("GET /api/servers/{id}/console", consoleHandler)
		mux.Handle("GET /api/server/{id}/console", consoleHandler)
	}
	return mux
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
