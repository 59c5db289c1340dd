//go:build linux

package mux

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/user/mcdock/internal/runtime"
	"github.com/user/mcdock/internal/runtime/runtimetest"
)

type recorder struct {
	mu      sync.Mutex
	data    []byte
	closed  []error
	panicOn string
	notify  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) Deliver(ch runtime.Channel, data []byte) {
	if r.panicOn != "" && string(data) == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	r.data = append(r.data, data...)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) ChannelClosed(ch runtime.Channel, err error) {
	r.mu.Lock()
	r.closed = append(r.closed, err)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) snapshot() (string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data), append([]error(nil), r.closed...)
}

func (r *recorder) waitFor(t *testing.T, cond func(data string, closed []error) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		data, closed := r.snapshot()
		if cond(data, closed) {
			return
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out; data=%q closed=%v", data, closed)
		}
	}
}

func startMux(t *testing.T) *Multiplexer {
	t.Helper()
	m, err := New(Options{PollInterval: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.Close()
	})
	return m
}

func attach(t *testing.T, rt *runtimetest.Runtime, id string) (runtime.Channel, *os.File) {
	t.Helper()
	rt.Add(id, id, true, map[string]string{"test": ""})
	ch, err := rt.Attach(context.Background(), id)
	if err != nil {
		t.Fatalf("Attach(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch, rt.Peer(id)
}

func TestDeliversAvailableBytes(t *testing.T) {
	m := startMux(t)
	ch, peer := attach(t, runtimetest.New(), "a")
	rec := newRecorder()

	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	rec.waitFor(t, func(data string, _ []error) bool { return data == "hello" })
}

func TestRegisterTwiceFails(t *testing.T) {
	m := startMux(t)
	ch, _ := attach(t, runtimetest.New(), "a")
	rec := newRecorder()

	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(ch, rec); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	m := startMux(t)
	ch, peer := attach(t, runtimetest.New(), "a")
	rec := newRecorder()

	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.Unregister(ch)
	if m.Registered(ch) || m.Len() != 0 {
		t.Fatalf("channel still registered after Unregister")
	}
	// Unregistering again is a no-op.
	m.Unregister(ch)

	if _, err := peer.Write([]byte("late")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if data, closed := rec.snapshot(); data != "" || len(closed) != 0 {
		t.Fatalf("unregistered channel dispatched: data=%q closed=%v", data, closed)
	}
}

func TestEndOfStreamUnregistersAndNotifies(t *testing.T) {
	m := startMux(t)
	ch, peer := attach(t, runtimetest.New(), "a")
	rec := newRecorder()

	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := peer.Write([]byte("bye")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	peer.Close()

	rec.waitFor(t, func(data string, closed []error) bool {
		return data == "bye" && len(closed) == 1
	})
	_, closed := rec.snapshot()
	if closed[0] != io.EOF {
		t.Fatalf("ChannelClosed error = %v, want io.EOF", closed[0])
	}
	if m.Registered(ch) {
		t.Fatal("channel still registered after end of stream")
	}
}

func TestPanickingDispatcherDoesNotStopLoop(t *testing.T) {
	m := startMux(t)
	rt := runtimetest.New()
	bad, badPeer := attach(t, rt, "bad")
	good, goodPeer := attach(t, rt, "good")

	badRec := newRecorder()
	badRec.panicOn = "explode"
	goodRec := newRecorder()

	if err := m.Register(bad, badRec); err != nil {
		t.Fatalf("Register bad: %v", err)
	}
	if err := m.Register(good, goodRec); err != nil {
		t.Fatalf("Register good: %v", err)
	}

	if _, err := badPeer.Write([]byte("explode")); err != nil {
		t.Fatalf("bad peer write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := goodPeer.Write([]byte("still alive")); err != nil {
		t.Fatalf("good peer write: %v", err)
	}

	goodRec.waitFor(t, func(data string, _ []error) bool { return data == "still alive" })
}

func TestRunReturnsPromptlyOnCancel(t *testing.T) {
	m, err := New(Options{PollInterval: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return within one second of cancellation")
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	m, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ch, _ := attach(t, runtimetest.New(), "a")
	if err := m.Register(ch, newRecorder()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Register after Close error = %v, want ErrClosed", err)
	}
}

func TestStaleEventForReplacedRegistrationIsDropped(t *testing.T) {
	// No Run loop: events are fed to service by hand.
	m, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	ch, peer := attach(t, runtimetest.New(), "a")
	rec := newRecorder()

	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	oldToken := m.regs[ch.Fd()].token
	m.Unregister(ch)
	if err := m.Register(ch, rec); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	newToken := m.regs[ch.Fd()].token
	if newToken == oldToken {
		t.Fatalf("re-registration reused token %d", oldToken)
	}

	if _, err := peer.Write([]byte("x")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf := make([]byte, 64)

	m.service(unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ch.Fd()), Pad: oldToken}, buf)
	if data, closed := rec.snapshot(); data != "" || len(closed) != 0 {
		t.Fatalf("stale event dispatched: data=%q closed=%v", data, closed)
	}

	m.service(unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ch.Fd()), Pad: newToken}, buf)
	if data, _ := rec.snapshot(); data != "x" {
		t.Fatalf("current event data = %q, want %q", data, "x")
	}
}
