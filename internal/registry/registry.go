// Package registry is the source of truth for which workloads this process
// knows about. It is the only place that creates, starts and stops workloads
// and the only place that attaches or detaches their console channels.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/user/mcdock/internal/console"
	"github.com/user/mcdock/internal/db"
	"github.com/user/mcdock/internal/runtime"
)

var ErrUnknownWorkload = errors.New("unknown workload")

const (
	defaultStopTimeout         = 5 * time.Second
	defaultSnapshotConcurrency = 8
	eventTimeout               = 5 * time.Second
)

// Snapshot is the live, uncached view of one workload.
type Snapshot struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
	Name   string `json:"name"`
}

type EventRecorder interface {
	Record(ctx context.Context, event *db.Event) error
}

type Options struct {
	// Spec is the baseline for every workload created through Create.
	Spec runtime.Spec
	// Label marks workloads managed by this process.
	Label string
	// NamePrefix, when set, names created workloads "<prefix>-<short id>".
	NamePrefix  string
	StopTimeout time.Duration
	Framing     console.Framing
	// SnapshotConcurrency bounds parallel runtime inspections in SnapshotAll.
	SnapshotConcurrency int
	Events              EventRecorder
	Logger              *slog.Logger
}

type entry struct {
	session *console.Session
	// lifecycle serializes start, stop and attach for one workload.
	lifecycle sync.Mutex
}

type Registry struct {
	rt     runtime.WorkloadRuntime
	mux    console.Registrar
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func New(rt runtime.WorkloadRuntime, registrar console.Registrar, opts Options) *Registry {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.SnapshotConcurrency <= 0 {
		opts.SnapshotConcurrency = defaultSnapshotConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		rt:      rt,
		mux:     registrar,
		opts:    opts,
		logger:  opts.Logger.With("component", "registry"),
		entries: make(map[string]*entry),
	}
}

// Discover registers every workload carrying the managing label, stopped
// ones included, and attaches to those that are running. A workload that
// cannot be attached stays listed as offline.
func (r *Registry) Discover(ctx context.Context) error {
	statuses, err := r.rt.List(ctx, r.opts.Label)
	if err != nil {
		return fmt.Errorf("discover workloads: %w", err)
	}

	for _, st := range statuses {
		e, added := r.add(st.ID)
		if !added {
			continue
		}
		detail := "stopped"
		if st.Running {
			detail = "running"
		}
		r.record(ctx, st.ID, db.EventDiscovered, detail)
		if !st.Running {
			continue
		}

		e.lifecycle.Lock()
		err := r.attach(ctx, st.ID, e)
		e.lifecycle.Unlock()
		if err != nil {
			r.logger.Warn("attach discovered workload", "workload", st.ID, "error", err)
		}
	}

	r.logger.Info("workloads discovered", "count", len(statuses), "label", r.opts.Label)
	return nil
}

// Create asks the runtime for a new workload from the baseline spec, starts
// it and returns its id. If the start fails the workload stays registered
// and the id is returned with the error.
func (r *Registry) Create(ctx context.Context) (string, error) {
	spec := r.opts.Spec
	spec.Labels = maps.Clone(spec.Labels)
	if spec.Labels == nil {
		spec.Labels = make(map[string]string)
	}
	if r.opts.Label != "" {
		spec.Labels[r.opts.Label] = ""
	}
	if r.opts.NamePrefix != "" {
		spec.Name = r.opts.NamePrefix + "-" + uuid.NewString()[:8]
	}

	id, err := r.rt.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create workload: %w", err)
	}
	r.add(id)
	r.record(ctx, id, db.EventCreated, spec.Image)
	r.logger.Info("workload created", "workload", id, "image", spec.Image)

	if err := r.Start(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Start starts the workload and attaches its console.
func (r *Registry) Start(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if err := r.rt.Start(ctx, id); err != nil {
		return fmt.Errorf("start workload %s: %w", id, err)
	}
	r.record(ctx, id, db.EventStarted, "")
	r.logger.Info("workload started", "workload", id)

	if e.session.Attached() {
		return nil
	}
	return r.attach(ctx, id, e)
}

func (r *Registry) attach(ctx context.Context, id string, e *entry) error {
	ch, err := r.rt.Attach(ctx, id)
	if err != nil {
		return fmt.Errorf("attach workload %s: %w", id, err)
	}
	if err := e.session.Attach(ch); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

// Stop detaches the console, then asks the runtime to stop the workload.
// Stopping a stopped workload is harmless.
func (r *Registry) Stop(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.session.Detach()
	if err := r.rt.Stop(ctx, id, r.opts.StopTimeout); err != nil {
		return fmt.Errorf("stop workload %s: %w", id, err)
	}
	r.record(ctx, id, db.EventStopped, "")
	r.logger.Info("workload stopped", "workload", id)
	return nil
}

// Session returns the console session of a known workload.
func (r *Registry) Session(id string) (*console.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// IDs returns the known workload ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Snapshot re-queries the runtime for the workload's live state. A workload
// is online when it is running and its console is attached.
func (r *Registry) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(ctx, id, e)
}

func (r *Registry) snapshot(ctx context.Context, id string, e *entry) (Snapshot, error) {
	st, err := r.rt.Inspect(ctx, id)
	if errors.Is(err, runtime.ErrNotFound) {
		return Snapshot{ID: id}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("inspect workload %s: %w", id, err)
	}
	return Snapshot{
		ID:     id,
		Online: st.Running && e.session.Attached(),
		Name:   st.Name,
	}, nil
}

// SnapshotAll returns a live snapshot of every known workload in
// registration order.
func (r *Registry) SnapshotAll(ctx context.Context) ([]Snapshot, error) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = r.entries[id]
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.SnapshotConcurrency)
	for i := range ids {
		g.Go(func() error {
			snap, err := r.snapshot(gctx, ids[i], entries[i])
			if err != nil {
				return err
			}
			out[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close detaches every console. Workloads keep running.
func (r *Registry) Close() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.lifecycle.Lock()
		e.session.Detach()
		e.lifecycle.Unlock()
	}
}

func (r *Registry) add(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, false
	}
	e := &entry{
		session: console.NewSession(id, r.mux, console.Options{
			Framing:       r.opts.Framing,
			Logger:        r.opts.Logger,
			OnChannelLost: r.channelLost,
		}),
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	return e, true
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkload, id)
	}
	return e, nil
}

// channelLost runs on the multiplexer goroutine, so the event write is
// pushed off it.
func (r *Registry) channelLost(id string, err error) {
	r.logger.Warn("console channel lost", "workload", id, "error", err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		r.record(ctx, id, db.EventChannelLost, detail)
	}()
}

func (r *Registry) record(ctx context.Context, id string, kind db.EventKind, detail string) {
	if r.opts.Events == nil {
		return
	}
	if err := r.opts.Events.Record(ctx, &db.Event{WorkloadID: id, Kind: kind, Detail: detail}); err != nil {
		r.logger.Warn("record workload event", "workload", id, "kind", kind, "error", err)
	}
}
