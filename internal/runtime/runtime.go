// Package runtime defines the capabilities the console bridge needs from a
// workload runtime: lifecycle calls on workloads and a non-blocking byte
// stream attached to a running workload's stdio.
package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the runtime has no workload with the given id.
	ErrNotFound = errors.New("runtime: workload not found")
	// ErrWouldBlock is returned by non-blocking channel reads and writes that
	// cannot make progress right now.
	ErrWouldBlock = errors.New("runtime: operation would block")
)

// Status is the live state of one workload as reported by the runtime.
type Status struct {
	ID      string
	Name    string
	Running bool
}

// Spec describes a workload to create.
type Spec struct {
	Image      string
	Entrypoint []string
	Labels     map[string]string
	Name       string
}

// WorkloadRuntime creates, starts, stops and inspects workloads and hands out
// attach channels for running ones.
type WorkloadRuntime interface {
	// List returns every workload carrying label, running or not.
	List(ctx context.Context, label string) ([]Status, error)
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	// Stop asks the workload to exit and forces termination after grace.
	Stop(ctx context.Context, id string, grace time.Duration) error
	Inspect(ctx context.Context, id string) (Status, error)
	// Attach opens a new stdin/stdout/stderr stream to a running workload.
	Attach(ctx context.Context, id string) (Channel, error)
}
