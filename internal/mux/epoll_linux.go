//go:build linux

package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/user/mcdock/internal/runtime"
)

const maxEvents = 64

type registration struct {
	ch     runtime.Channel
	target Dispatcher
	token  int32
}

// Multiplexer is an epoll-backed readiness loop over registered channels.
type Multiplexer struct {
	epfd   int
	wakefd int
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	regs      map[int]*registration
	nextToken int32
	closed    bool
}

func New(opts Options) (*Multiplexer, error) {
	opts = opts.withDefaults()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("mux: eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("mux: watch eventfd: %w", err)
	}

	return &Multiplexer{
		epfd:   epfd,
		wakefd: wakefd,
		opts:   opts,
		logger: opts.Logger.With("component", "mux"),
		regs:   make(map[int]*registration),
	}, nil
}

// Register adds ch to the readiness set. Data read from ch is delivered to
// target until ch is unregistered or reaches end of stream.
func (m *Multiplexer) Register(ch runtime.Channel, target Dispatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	fd := ch.Fd()
	if _, ok := m.regs[fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrAlreadyRegistered, fd)
	}

	m.nextToken++
	if m.nextToken <= 0 {
		m.nextToken = 1
	}
	// The token travels with every event so one queued before an
	// unregister is never dispatched to a later registration of the same fd.
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
		Pad:    m.nextToken,
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("mux: watch fd %d: %w", fd, err)
	}
	m.regs[fd] = &registration{ch: ch, target: target, token: m.nextToken}
	m.logger.Debug("channel registered", "fd", fd)
	return nil
}

// Unregister removes ch from the readiness set. Events already pending for
// ch are discarded. Unregistering an unknown channel is a no-op.
func (m *Multiplexer) Unregister(ch runtime.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(ch)
}

func (m *Multiplexer) unregisterLocked(ch runtime.Channel) bool {
	fd := ch.Fd()
	reg, ok := m.regs[fd]
	if !ok || reg.ch != ch {
		return false
	}
	delete(m.regs, fd)
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		m.logger.Warn("epoll remove failed", "fd", fd, "error", err)
	}
	m.logger.Debug("channel unregistered", "fd", fd)
	return true
}

// Registered reports whether ch is currently in the readiness set.
func (m *Multiplexer) Registered(ch runtime.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[ch.Fd()]
	return ok && reg.ch == ch
}

// Len returns the number of registered channels.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

// Run waits for readiness and dispatches until ctx is cancelled. Failures of
// individual channels or dispatch targets never end the loop.
func (m *Multiplexer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.wake)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, m.opts.ReadBuffer)
	timeout := int(m.opts.PollInterval / time.Millisecond)

	m.logger.Info("multiplexer running", "poll_interval", m.opts.PollInterval)
	for {
		if err := ctx.Err(); err != nil {
			m.logger.Info("multiplexer stopped")
			return err
		}

		n, err := unix.EpollWait(m.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.logger.Error("epoll wait failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == m.wakefd {
				m.drainWake()
				continue
			}
			m.service(ev, buf)
		}
	}
}

func (m *Multiplexer) service(ev unix.EpollEvent, buf []byte) {
	fd := int(ev.Fd)

	m.mu.Lock()
	reg, ok := m.regs[fd]
	if !ok || reg.token != ev.Pad {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	data, readErr := m.drain(reg.ch, buf)
	if len(data) > 0 {
		m.dispatch(fd, func() { reg.target.Deliver(reg.ch, data) })
	}
	if readErr == nil {
		return
	}

	m.mu.Lock()
	removed := m.unregisterLocked(reg.ch)
	m.mu.Unlock()
	if !removed {
		// Detached concurrently; the owner already knows.
		return
	}
	m.logger.Debug("channel ended", "fd", fd, "error", readErr)
	m.dispatch(fd, func() { reg.target.ChannelClosed(reg.ch, readErr) })
}

func (m *Multiplexer) drain(ch runtime.Channel, buf []byte) ([]byte, error) {
	var data []byte
	for len(data) < m.opts.MaxReadPerWake {
		n, err := ch.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, runtime.ErrWouldBlock) {
				return data, nil
			}
			return data, err
		}
	}
	return data, nil
}

func (m *Multiplexer) dispatch(fd int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dispatch panicked", "fd", fd, "panic", r)
		}
	}()
	fn()
}

func (m *Multiplexer) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(m.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		m.logger.Warn("wake failed", "error", err)
	}
}

func (m *Multiplexer) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(m.wakefd, buf[:])
}

// Close releases the epoll and eventfd descriptors. Call it after Run has
// returned; registered channels are forgotten, not closed.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.regs = make(map[int]*registration)
	err := unix.Close(m.epfd)
	if werr := unix.Close(m.wakefd); err == nil {
		err = werr
	}
	return err
}
