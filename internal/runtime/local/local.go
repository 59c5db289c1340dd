// Package local runs workloads as child processes of this server, each in its
// own pseudo-terminal. It needs no container engine and is meant for
// development and tests.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/user/mcdock/internal/runtime"
)

type workload struct {
	id     string
	name   string
	argv   []string
	labels map[string]string
	proc   *process
}

// Runtime tracks local workloads. Workloads exist only for the lifetime of
// the Runtime.
type Runtime struct {
	env    []string
	logger *slog.Logger

	mu        sync.Mutex
	workloads map[string]*workload
	order     []string
}

var _ runtime.WorkloadRuntime = (*Runtime)(nil)

// New returns an empty runtime. env is appended to the environment of every
// spawned process.
func New(env []string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		env:       env,
		logger:    logger.With("runtime", "local"),
		workloads: make(map[string]*workload),
	}
}

func (r *Runtime) List(ctx context.Context, label string) ([]runtime.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []runtime.Status
	for _, id := range r.order {
		w := r.workloads[id]
		if label != "" {
			if _, ok := w.labels[label]; !ok {
				continue
			}
		}
		out = append(out, r.statusLocked(ctx, w))
	}
	return out, nil
}

// Create registers a workload. Nothing is spawned until Start.
func (r *Runtime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	if len(spec.Entrypoint) == 0 {
		return "", fmt.Errorf("local: create: entrypoint must not be empty")
	}
	id := uuid.NewString()
	name := spec.Name
	if name == "" {
		name = "local-" + id[:8]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workloads[id] = &workload{
		id:     id,
		name:   name,
		argv:   append([]string(nil), spec.Entrypoint...),
		labels: maps.Clone(spec.Labels),
	}
	r.order = append(r.order, id)
	r.logger.Debug("workload created", "workload", id, "argv", spec.Entrypoint)
	return id, nil
}

// Start spawns the entrypoint unless it is already running. Starting an
// exited workload spawns a fresh process under the same id.
func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workloads[id]
	if !ok {
		return fmt.Errorf("local: start %s: %w", id, runtime.ErrNotFound)
	}
	if w.proc != nil && !w.proc.exited() {
		return nil
	}
	proc, err := spawn(w.argv, r.env)
	if err != nil {
		return fmt.Errorf("local: start %s: %w", id, err)
	}
	w.proc = proc
	r.logger.Info("process spawned", "workload", id, "pid", proc.pid())
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	r.mu.Lock()
	w, ok := r.workloads[id]
	var proc *process
	if ok {
		proc = w.proc
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("local: stop %s: %w", id, runtime.ErrNotFound)
	}
	if proc == nil {
		return nil
	}
	if err := proc.terminate(grace); err != nil {
		return fmt.Errorf("local: stop %s: %w", id, err)
	}
	proc.closePTY()
	r.logger.Info("process stopped", "workload", id, "exit", proc.exitError())
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[id]
	if !ok {
		return runtime.Status{}, fmt.Errorf("local: inspect %s: %w", id, runtime.ErrNotFound)
	}
	return r.statusLocked(ctx, w), nil
}

func (r *Runtime) statusLocked(ctx context.Context, w *workload) runtime.Status {
	st := runtime.Status{ID: w.id, Name: w.name}
	if w.proc == nil || w.proc.exited() {
		return st
	}
	p, err := psprocess.NewProcessWithContext(ctx, int32(w.proc.pid()))
	if err != nil {
		return st
	}
	running, err := p.IsRunningWithContext(ctx)
	st.Running = err == nil && running
	return st
}

// Attach hands out a duplicate of the PTY master. The PTY carries no stdio
// framing.
func (r *Runtime) Attach(ctx context.Context, id string) (runtime.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workloads[id]
	if !ok {
		return nil, fmt.Errorf("local: attach %s: %w", id, runtime.ErrNotFound)
	}
	if w.proc == nil || w.proc.exited() {
		return nil, fmt.Errorf("local: attach %s: workload is not running", id)
	}
	f, err := w.proc.dupPTY()
	if err != nil {
		return nil, fmt.Errorf("local: attach %s: dup pty: %w", id, err)
	}
	ch, err := runtime.NewRawChannel(f, f, false)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("local: attach %s: %w", id, err)
	}
	return ch, nil
}

// Close kills every running process.
func (r *Runtime) Close() {
	r.mu.Lock()
	var procs []*process
	for _, w := range r.workloads {
		if w.proc != nil {
			procs = append(procs, w.proc)
		}
	}
	r.mu.Unlock()

	for _, p := range procs {
		_ = p.terminate(0)
		p.closePTY()
	}
}
