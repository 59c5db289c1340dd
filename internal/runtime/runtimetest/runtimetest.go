// Package runtimetest provides an in-memory WorkloadRuntime for tests. Its
// attach channels are socketpair halves, so the code under test works with
// real descriptors while the test drives the workload side directly.
package runtimetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/user/mcdock/internal/runtime"
)

type workload struct {
	status runtime.Status
	labels map[string]string
	peer   *os.File
}

// Runtime is a fake runtime.WorkloadRuntime.
type Runtime struct {
	// Multiplexed controls whether attach channels carry stdio frame headers.
	Multiplexed bool
	// AttachErr, when set, is returned by every Attach call.
	AttachErr error

	mu        sync.Mutex
	workloads map[string]*workload
	order     []string
	next      int
	calls     []string
}

// New returns an empty runtime whose channels are multiplexed.
func New() *Runtime {
	return &Runtime{
		Multiplexed: true,
		workloads:   make(map[string]*workload),
	}
}

// Add seeds a pre-existing workload, as if created by an earlier process.
func (r *Runtime) Add(id, name string, running bool, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workloads[id] = &workload{
		status: runtime.Status{ID: id, Name: name, Running: running},
		labels: labels,
	}
	r.order = append(r.order, id)
}

// Remove forgets a workload, as if it was deleted behind the process's back.
func (r *Runtime) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workloads[id]; ok && w.peer != nil {
		_ = w.peer.Close()
	}
	delete(r.workloads, id)
}

// Peer returns the workload side of the most recent attach for id.
func (r *Runtime) Peer(id string) *os.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[id]
	if !ok {
		return nil
	}
	return w.peer
}

// Calls returns the lifecycle calls made so far, e.g. "stop wl-1".
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Runtime) List(ctx context.Context, label string) ([]runtime.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runtime.Status
	for _, id := range r.order {
		w, ok := r.workloads[id]
		if !ok {
			continue
		}
		if _, labelled := w.labels[label]; !labelled {
			continue
		}
		out = append(out, w.status)
	}
	return out, nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("wl-%d", r.next)
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("workload-%d", r.next)
	}
	r.workloads[id] = &workload{
		status: runtime.Status{ID: id, Name: name},
		labels: spec.Labels,
	}
	r.order = append(r.order, id)
	r.calls = append(r.calls, "create "+id)
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[id]
	if !ok {
		return runtime.ErrNotFound
	}
	w.status.Running = true
	r.calls = append(r.calls, "start "+id)
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[id]
	if !ok {
		return runtime.ErrNotFound
	}
	w.status.Running = false
	if w.peer != nil {
		_ = w.peer.Close()
		w.peer = nil
	}
	r.calls = append(r.calls, "stop "+id)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[id]
	if !ok {
		return runtime.Status{}, runtime.ErrNotFound
	}
	return w.status, nil
}

func (r *Runtime) Attach(ctx context.Context, id string) (runtime.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AttachErr != nil {
		return nil, r.AttachErr
	}
	w, ok := r.workloads[id]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	if !w.status.Running {
		return nil, errors.New("runtimetest: workload is not running")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("runtimetest: socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), id+"-local")
	peer := os.NewFile(uintptr(fds[1]), id+"-peer")

	ch, err := runtime.NewRawChannel(local, local, r.Multiplexed)
	if err != nil {
		_ = local.Close()
		_ = peer.Close()
		return nil, err
	}
	if w.peer != nil {
		_ = w.peer.Close()
	}
	w.peer = peer
	r.calls = append(r.calls, "attach "+id)
	return ch, nil
}

// Frame encodes payload with the runtime's stdio frame header.
func Frame(stream byte, payload string) []byte {
	buf := make([]byte, 8+len(payload))
	buf[0] = stream
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}
