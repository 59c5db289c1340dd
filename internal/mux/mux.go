// Package mux implements the readiness loop that watches every attached
// workload channel and hands inbound bytes to the session that owns it.
//
// One Multiplexer serves the whole process. Registration may happen from any
// goroutine; reads and dispatch happen only on the goroutine running Run.
package mux

import (
	"errors"
	"log/slog"
	"time"

	"github.com/user/mcdock/internal/runtime"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultReadBuffer     = 32 * 1024
	defaultMaxReadPerWake = 1 << 20
)

var (
	ErrAlreadyRegistered = errors.New("mux: descriptor already registered")
	ErrClosed            = errors.New("mux: multiplexer closed")
)

// Dispatcher receives the data and end-of-stream notifications for one
// registered channel. Both methods are called on the Run goroutine.
type Dispatcher interface {
	Deliver(ch runtime.Channel, data []byte)
	ChannelClosed(ch runtime.Channel, err error)
}

type Options struct {
	// PollInterval bounds each readiness wait.
	PollInterval time.Duration
	// ReadBuffer is the size of a single read.
	ReadBuffer int
	// MaxReadPerWake caps how much is drained from one channel per wake-up so
	// a chatty workload cannot starve the others.
	MaxReadPerWake int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = defaultReadBuffer
	}
	if o.MaxReadPerWake <= 0 {
		o.MaxReadPerWake = defaultMaxReadPerWake
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
