package runtime

import (
	"fmt"
	"io"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Channel is the raw, non-blocking byte stream attached to a running
// workload. A Channel is owned by exactly one console session.
type Channel interface {
	// Fd is the descriptor used for readiness notification.
	Fd() int
	// Read performs one non-blocking read. It returns ErrWouldBlock when no
	// data is available and io.EOF once the stream has ended.
	Read(p []byte) (int, error)
	// Write writes as much of p as the stream accepts without blocking. If
	// the send buffer fills up it returns the bytes written and ErrWouldBlock.
	Write(p []byte) (int, error)
	// Multiplexed reports whether reads carry the runtime's 8-byte stdio
	// frame header.
	Multiplexed() bool
	Close() error
}

type rawChannel struct {
	rc          syscall.RawConn
	fd          int
	closer      io.Closer
	multiplexed bool

	closeOnce sync.Once
	closeErr  error
}

// NewRawChannel wraps a descriptor-backed connection or file as a Channel and
// switches the descriptor to non-blocking mode. closer releases the
// underlying resource when the channel is closed.
func NewRawChannel(conn syscall.Conn, closer io.Closer, multiplexed bool) (Channel, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("runtime: raw conn: %w", err)
	}

	fd := -1
	var nbErr error
	if err := rc.Control(func(s uintptr) {
		fd = int(s)
		nbErr = unix.SetNonblock(fd, true)
	}); err != nil {
		return nil, fmt.Errorf("runtime: control descriptor: %w", err)
	}
	if nbErr != nil {
		return nil, fmt.Errorf("runtime: set non-blocking on fd %d: %w", fd, nbErr)
	}

	return &rawChannel{
		rc:          rc,
		fd:          fd,
		closer:      closer,
		multiplexed: multiplexed,
	}, nil
}

func (c *rawChannel) Fd() int { return c.fd }

func (c *rawChannel) Multiplexed() bool { return c.multiplexed }

func (c *rawChannel) Read(p []byte) (int, error) {
	var n int
	var opErr error
	if err := c.rc.Read(func(s uintptr) bool {
		n, opErr = unix.Read(int(s), p)
		return true
	}); err != nil {
		return 0, err
	}

	switch {
	case opErr == unix.EAGAIN || opErr == unix.EINTR:
		return 0, ErrWouldBlock
	case opErr == unix.EIO:
		// A PTY master reports EIO once the slave side has gone away.
		return 0, io.EOF
	case opErr != nil:
		return 0, opErr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *rawChannel) Write(p []byte) (int, error) {
	written := 0
	var opErr error
	if err := c.rc.Write(func(s uintptr) bool {
		for written < len(p) {
			n, err := unix.Write(int(s), p[written:])
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				opErr = err
				return true
			}
			written += n
		}
		return true
	}); err != nil {
		return written, err
	}

	if opErr == unix.EAGAIN {
		return written, ErrWouldBlock
	}
	if opErr != nil {
		return written, opErr
	}
	return written, nil
}

// Close releases the underlying resource. It is safe to call more than once.
func (c *rawChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
