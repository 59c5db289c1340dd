// Package docker implements the workload runtime on top of the Docker Engine
// API. Each workload is a container whose stdin stays open and whose stdio is
// consumed through a hijacked attach stream.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/user/mcdock/internal/runtime"
)

const (
	mediaTypeRaw         = "application/vnd.docker.raw-stream"
	mediaTypeMultiplexed = "application/vnd.docker.multiplexed-stream"
)

// Runtime talks to a Docker daemon.
type Runtime struct {
	cli    *client.Client
	logger *slog.Logger
}

var _ runtime.WorkloadRuntime = (*Runtime)(nil)

// New connects to the daemon configured in the environment, or to host when
// it is not empty. The API version is negotiated on first use.
func New(host string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &Runtime{cli: cli, logger: logger.With("runtime", "docker")}, nil
}

// Ping checks that the daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping %s: %w", r.cli.DaemonHost(), err)
	}
	return nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) List(ctx context.Context, label string) ([]runtime.Status, error) {
	opts := container.ListOptions{All: true}
	if label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", label))
	}
	containers, err := r.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", mapErr(err))
	}

	out := make([]runtime.Status, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = trimName(c.Names[0])
		}
		out = append(out, runtime.Status{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
		})
	}
	return out, nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Entrypoint:   spec.Entrypoint,
		Labels:       spec.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	resp, err := r.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("docker: create container from %s: %w", spec.Image, mapErr(err))
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", "container", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start %s: %w", id, mapErr(err))
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := stopTimeoutSeconds(grace)
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker: stop %s: %w", id, mapErr(err))
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.Status, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.Status{}, fmt.Errorf("docker: inspect %s: %w", id, mapErr(err))
	}
	if info.ContainerJSONBase == nil {
		return runtime.Status{}, fmt.Errorf("docker: inspect %s: empty response", id)
	}
	st := runtime.Status{ID: info.ID, Name: trimName(info.Name)}
	if info.State != nil {
		st.Running = info.State.Running
	}
	return st, nil
}

// Attach opens the container's stdio stream. The daemon hijacks the HTTP
// connection, so the returned channel reads and writes the socket directly.
func (r *Runtime) Attach(ctx context.Context, id string) (runtime.Channel, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: attach %s: %w", id, mapErr(err))
	}

	sc, ok := resp.Conn.(syscall.Conn)
	if !ok {
		resp.Close()
		return nil, fmt.Errorf("docker: attach %s: connection %T has no descriptor", id, resp.Conn)
	}
	if resp.Reader != nil && resp.Reader.Buffered() > 0 {
		r.logger.Warn("attach stream had buffered bytes before handoff", "container", id, "bytes", resp.Reader.Buffered())
	}

	mediaType, known := resp.MediaType()
	multiplexed, decided := streamMultiplexed(mediaType, known)
	if !decided {
		info, err := r.cli.ContainerInspect(ctx, id)
		if err != nil {
			resp.Close()
			return nil, fmt.Errorf("docker: attach %s: %w", id, mapErr(err))
		}
		multiplexed = info.Config == nil || !info.Config.Tty
	}

	ch, err := runtime.NewRawChannel(sc, closerFunc(func() error {
		resp.Close()
		return nil
	}), multiplexed)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("docker: attach %s: %w", id, err)
	}
	return ch, nil
}

// streamMultiplexed reports whether an attach stream of the given media type
// carries stdio frames. Older daemons send no media type; decided is false
// and the container's TTY setting has to be consulted.
func streamMultiplexed(mediaType string, known bool) (multiplexed, decided bool) {
	if !known {
		return false, false
	}
	switch mediaType {
	case mediaTypeMultiplexed:
		return true, true
	case mediaTypeRaw:
		return false, true
	default:
		return false, false
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func mapErr(err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %w", runtime.ErrNotFound, err)
	}
	return err
}

// trimName drops the leading slash Docker puts on container names.
func trimName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// stopTimeoutSeconds converts a grace period to the whole seconds the stop
// endpoint accepts, rounding up and never below one.
func stopTimeoutSeconds(grace time.Duration) int {
	secs := int((grace + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
