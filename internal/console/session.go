// Package console holds the per-workload console state: the attached stream,
// the connections watching it, and the two directions of traffic between
// them.
package console

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/user/mcdock/internal/mux"
	"github.com/user/mcdock/internal/runtime"
)

// NotStartedNotice is sent to a connection that types into a console whose
// workload is not running.
const NotStartedNotice = "SERVER NOT STARTED"

var (
	ErrChannelNotAttached = errors.New("console: channel not attached")
	ErrChannelIO          = errors.New("console: channel i/o failure")
	// ErrSubscriberGone is the base of every subscriber delivery failure.
	ErrSubscriberGone = errors.New("console: subscriber gone")
)

// OutputMessage is one frame of workload output as pushed to subscribers.
type OutputMessage struct {
	ConsoleOut string `json:"console_out"`
}

// Subscriber is a client connection viewing a console. Send and Close are
// called with the session lock held and must not block.
type Subscriber interface {
	ID() string
	Send(msg OutputMessage) error
	Close(reason string) error
}

// Registrar is the part of the multiplexer a session needs.
type Registrar interface {
	Register(ch runtime.Channel, target mux.Dispatcher) error
	Unregister(ch runtime.Channel)
}

type Options struct {
	Framing Framing
	Logger  *slog.Logger
	// OnChannelLost is called, without the session lock, when the attached
	// channel fails or reaches end of stream.
	OnChannelLost func(id string, err error)
}

// Session is the console of one workload.
type Session struct {
	id     string
	mux    Registrar
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	channel     runtime.Channel
	decoder     *frameDecoder
	pending     []byte
	subscribers []Subscriber
}

func NewSession(id string, registrar Registrar, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:     id,
		mux:    registrar,
		opts:   opts,
		logger: opts.Logger.With("workload", id),
	}
}

func (s *Session) ID() string { return s.id }

// Attach installs ch and registers it with the multiplexer. Attaching a
// session that already has a channel is a programming error and panics.
func (s *Session) Attach(ch runtime.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		panic(fmt.Sprintf("console: session %s is already attached", s.id))
	}
	if err := s.mux.Register(ch, s); err != nil {
		return fmt.Errorf("console: register channel for %s: %w", s.id, err)
	}
	s.channel = ch
	s.decoder = newFrameDecoder(s.opts.Framing, ch.Multiplexed())
	s.logger.Info("console attached", "fd", ch.Fd(), "multiplexed", ch.Multiplexed())
	return nil
}

// Detach unregisters and closes the attached channel, if any.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detachLocked() {
		s.logger.Info("console detached")
	}
}

func (s *Session) detachLocked() bool {
	ch := s.channel
	if ch == nil {
		return false
	}
	s.mux.Unregister(ch)
	if err := ch.Close(); err != nil {
		s.logger.Debug("close channel", "error", err)
	}
	s.channel = nil
	s.decoder = nil
	s.pending = nil
	return true
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// Subscribe adds sub to the fan-out list. Subscribing the same connection
// twice leaves a single entry.
func (s *Session) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscribers {
		if existing == sub || existing.ID() == sub.ID() {
			return
		}
	}
	s.subscribers = append(s.subscribers, sub)
	s.logger.Debug("subscriber added", "subscriber", sub.ID(), "count", len(s.subscribers))
}

func (s *Session) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(sub) {
		s.logger.Debug("subscriber removed", "subscriber", sub.ID(), "count", len(s.subscribers))
	}
}

func (s *Session) removeLocked(sub Subscriber) bool {
	for i, existing := range s.subscribers {
		if existing == sub {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// SubscriberIDs returns the subscriber ids in subscription order.
func (s *Session) SubscriberIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.subscribers))
	for i, sub := range s.subscribers {
		ids[i] = sub.ID()
	}
	return ids
}

// SendInbound writes one line of console input to the workload. It returns
// ErrChannelNotAttached when the workload has no attached stream. A write
// that fails outright detaches the channel and returns ErrChannelIO.
//
// Input is never interleaved. When the send buffer fills part way through a
// line the unwritten tail is held and written ahead of the next line. A line
// of which nothing could be written returns runtime.ErrWouldBlock and leaves
// the channel attached.
func (s *Session) SendInbound(text string) error {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return ErrChannelNotAttached
	}

	held := len(s.pending)
	payload := slices.Concat(s.pending, []byte(text+"\n"))
	n, err := s.channel.Write(payload)
	if err == nil {
		s.pending = nil
		s.mu.Unlock()
		return nil
	}
	if errors.Is(err, runtime.ErrWouldBlock) {
		defer s.mu.Unlock()
		if n <= held {
			s.pending = s.pending[n:]
			if len(s.pending) == 0 {
				s.pending = nil
			}
			return fmt.Errorf("console: input to %s rejected: %w", s.id, err)
		}
		s.pending = payload[n:]
		s.logger.Debug("console input buffered", "pending", len(s.pending))
		return nil
	}

	s.detachLocked()
	s.mu.Unlock()

	s.logger.Warn("console write failed, channel detached", "error", err)
	s.channelLost(err)
	return fmt.Errorf("%w: write to %s: %w", ErrChannelIO, s.id, err)
}

// Deliver fans out data read from ch. Data from a channel that is no longer
// attached is dropped.
func (s *Session) Deliver(ch runtime.Channel, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || ch != s.channel {
		return
	}
	texts, err := s.decoder.decode(data)
	if err != nil {
		s.logger.Warn("discarding undecodable output", "error", err)
	}
	for _, text := range texts {
		s.fanOutLocked(OutputMessage{ConsoleOut: text})
	}
}

// fanOutLocked sends msg to every subscriber in subscription order. A
// subscriber that fails is closed and dropped once the pass is complete.
func (s *Session) fanOutLocked(msg OutputMessage) {
	var failed []Subscriber
	for _, sub := range s.subscribers {
		if err := sub.Send(msg); err != nil {
			s.logger.Warn("subscriber delivery failed", "subscriber", sub.ID(), "error", err)
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		if err := sub.Close("error"); err != nil {
			s.logger.Debug("close failed subscriber", "subscriber", sub.ID(), "error", err)
		}
		s.removeLocked(sub)
	}
}

// ChannelClosed handles end of stream or a read failure on ch.
func (s *Session) ChannelClosed(ch runtime.Channel, err error) {
	s.mu.Lock()
	if s.channel == nil || ch != s.channel {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()

	s.logger.Info("console stream ended", "error", err)
	s.channelLost(err)
}

func (s *Session) channelLost(err error) {
	if s.opts.OnChannelLost != nil {
		s.opts.OnChannelLost(s.id, err)
	}
}
