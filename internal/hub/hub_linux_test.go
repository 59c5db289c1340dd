package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/mcdock/internal/console"
	"github.com/user/mcdock/internal/mux"
	"github.com/user/mcdock/internal/registry"
	"github.com/user/mcdock/internal/runtime/runtimetest"
)

type testEnv struct {
	rt  *runtimetest.Runtime
	reg *registry.Registry
	hub *Hub
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	m, err := mux.New(mux.Options{PollInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	rt := runtimetest.New()
	reg := registry.New(rt, m, registry.Options{Label: "mc-docker", StopTimeout: time.Second})
	h := New(reg, Options{SendBuffer: 16})

	router := http.NewServeMux()
	router.HandleFunc("GET /api/servers/{id}/console", h.HandleConsole)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		h.CloseAll("test done")
		srv.Close()
		reg.Close()
		cancel()
		<-done
		_ = m.Close()
	})
	return &testEnv{rt: rt, reg: reg, hub: h, srv: srv}
}

func (e *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/servers/" + id + "/console"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (e *testEnv) waitSubscribers(t *testing.T, id string, want int) {
	t.Helper()
	sess, err := e.reg.Session(id)
	if err != nil {
		t.Fatalf("Session(%s): %v", id, err)
	}
	waitFor(t, func() bool { return sess.Subscribers() == want }, "subscriber count %d", want)
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func readMessage(t *testing.T, conn *websocket.Conn) console.OutputMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg console.OutputMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read console message: %v", err)
	}
	return msg
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write %q: %v", text, err)
	}
}

// readPeer reads exactly n bytes from the workload side of the stream.
func readPeer(t *testing.T, peer *os.File, n int) string {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(peer, buf)
		ch <- result{buf, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read peer: %v", res.err)
		}
		return string(res.data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading workload input")
		return ""
	}
}

func TestConsoleRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn := env.dial(t, id)
	env.waitSubscribers(t, id, 1)

	writeText(t, conn, "ls")
	if got := readPeer(t, env.rt.Peer(id), 3); got != "ls\n" {
		t.Fatalf("workload received %q, want %q", got, "ls\n")
	}

	if _, err := env.rt.Peer(id).Write(runtimetest.Frame(1, "bin\netc\n")); err != nil {
		t.Fatalf("write peer: %v", err)
	}
	if msg := readMessage(t, conn); msg.ConsoleOut != "bin\netc\n" {
		t.Fatalf("console_out = %q", msg.ConsoleOut)
	}
}

func TestConsoleFanOutToEverySubscriber(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a := env.dial(t, id)
	b := env.dial(t, id)
	env.waitSubscribers(t, id, 2)

	if _, err := env.rt.Peer(id).Write(runtimetest.Frame(1, "hello")); err != nil {
		t.Fatalf("write peer: %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		if msg := readMessage(t, conn); msg.ConsoleOut != "hello" {
			t.Fatalf("subscriber %s got %q", name, msg.ConsoleOut)
		}
	}
}

func TestConsoleNotStartedNotice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.reg.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.reg.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn := env.dial(t, id)
	env.waitSubscribers(t, id, 1)

	writeText(t, conn, "say hi")
	if msg := readMessage(t, conn); msg.ConsoleOut != console.NotStartedNotice {
		t.Fatalf("console_out = %q, want %q", msg.ConsoleOut, console.NotStartedNotice)
	}

	// The connection survives and picks up output after a restart.
	if err := env.reg.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := env.rt.Peer(id).Write(runtimetest.Frame(1, "back")); err != nil {
		t.Fatalf("write peer: %v", err)
	}
	if msg := readMessage(t, conn); msg.ConsoleOut != "back" {
		t.Fatalf("console_out after restart = %q", msg.ConsoleOut)
	}
}

func TestConsoleDisconnectUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stay := env.dial(t, id)
	leave := env.dial(t, id)
	env.waitSubscribers(t, id, 2)

	leave.Close(websocket.StatusNormalClosure, "bye")
	env.waitSubscribers(t, id, 1)
	waitFor(t, func() bool { return env.hub.ClientCount() == 1 }, "one client")

	if _, err := env.rt.Peer(id).Write(runtimetest.Frame(1, "still here")); err != nil {
		t.Fatalf("write peer: %v", err)
	}
	if msg := readMessage(t, stay); msg.ConsoleOut != "still here" {
		t.Fatalf("remaining subscriber got %q", msg.ConsoleOut)
	}
}

func TestConsoleRejectsBinaryFrames(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bad := env.dial(t, id)
	good := env.dial(t, id)
	env.waitSubscribers(t, id, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bad.Write(ctx, websocket.MessageBinary, []byte("rm")); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	_, _, err = bad.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusUnsupportedData {
		t.Fatalf("close status = %v (err %v), want StatusUnsupportedData", status, err)
	}
	env.waitSubscribers(t, id, 1)

	// Only the text line reaches the workload.
	writeText(t, good, "ok")
	if got := readPeer(t, env.rt.Peer(id), 3); got != "ok\n" {
		t.Fatalf("workload received %q, want %q", got, "ok\n")
	}
}

func TestConsoleUnknownWorkload(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/servers/missing/console")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.srv.URL, "http")+"/api/servers/missing/console", nil)
	if err == nil {
		t.Fatal("websocket dial to unknown workload succeeded")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("dial hung instead of being rejected")
	}
}
