package tether

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/Tether/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("tether: channel sink closed")

// RecordHandler receives each delivered record. Plain errors are retried as
// transient; wrap with Fatal to drop the record instead.
type RecordHandler func(*Record) error

// NewCallbackSink adapts a RecordHandler into a Sink so callers can plug
// arbitrary functions without defining structs.
func NewCallbackSink(name string, fn RecordHandler) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes records via a channel; it returns the sink, the
// read-only channel, and a close function that the caller should invoke
// during shutdown. Writes block while the channel is full.
func NewChannelSink(name string, buffer int) (Sink, <-chan *Record, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan *Record, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, s.close
}

type callbackSink struct {
	name string
	fn   RecordHandler
}

func (s *callbackSink) Write(_ context.Context, r *domain.Record) error {
	if s.fn == nil {
		return domain.Fatal(fmt.Errorf("callback sink %q: nil handler", s.name))
	}
	err := s.fn(r)
	if err == nil {
		return nil
	}
	var se *domain.SinkError
	if errors.As(err, &se) {
		return err
	}
	return domain.Transient(err)
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	mu     sync.RWMutex
	ch     chan *Record
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) Write(ctx context.Context, r *domain.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return domain.Fatal(ErrChannelSinkClosed)
	default:
	}

	select {
	case <-s.closed:
		return domain.Fatal(ErrChannelSinkClosed)
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- r:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

// close unblocks pending writes, then closes the channel once no write can
// still send on it.
func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
