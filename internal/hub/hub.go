// Package hub adapts websocket connections to workload consoles: text frames
// from a client become console input, console output becomes JSON messages.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/user/mcdock/internal/console"
	"github.com/user/mcdock/internal/registry"
)

const defaultSendBuffer = 256

// SessionLookup resolves a workload id to its console.
type SessionLookup interface {
	Session(id string) (*console.Session, error)
}

type Options struct {
	// SendBuffer is the number of output messages queued per connection
	// before it is treated as a failed subscriber.
	SendBuffer int
	Logger     *slog.Logger
}

type Hub struct {
	sessions   SessionLookup
	sendBuffer int
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(sessions SessionLookup, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		sessions:   sessions,
		sendBuffer: opts.SendBuffer,
		logger:     opts.Logger.With("component", "hub"),
		clients:    make(map[string]*Client),
	}
}

// HandleConsole serves the console of the workload named by the "id" path
// value. It blocks until the client goes away.
func (h *Hub) HandleConsole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.sessions.Session(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrUnknownWorkload) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ErrorMessage{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", "workload", id, "error", err)
		return
	}

	client := newClient(conn, sess, h.sendBuffer, h.logger.With("workload", id))
	h.add(client)
	sess.Subscribe(client)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.writePump(ctx)
	}()

	client.readPump(ctx)

	sess.Unsubscribe(client)
	_ = client.Close("connection closed")
	cancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
	h.remove(client)
}

// CloseAll disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown, so the server calls this on the way down.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.Close(reason)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	c.logger.Info("client connected", "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.logger.Info("client disconnected", "total", n)
}
