// Package source turns the standard output of a remote command into records.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ghalamif/Tether/internal/adapters/codec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

const (
	DefaultIdleTimeout  = 30 * time.Second
	DefaultMaxLineBytes = 1 << 20
)

var errHandleClosed = errors.New("source handle closed")

// StreamConfig describes the command a Stream runs on every Open.
type StreamConfig struct {
	Endpoint     ports.Endpoint
	Script       []byte
	IdleTimeout  time.Duration
	MaxLineBytes int
}

// Stream is a Source reading line-delimited JSON from a command started by an
// Executor. Every Open starts the command again.
type Stream struct {
	name string
	exec ports.Executor
	cfg  StreamConfig
	now  func() time.Time
}

func NewStream(name string, exec ports.Executor, cfg StreamConfig) *Stream {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if name == "" {
		name = "stream"
	}
	return &Stream{name: name, exec: exec, cfg: cfg, now: time.Now}
}

func (s *Stream) Name() string { return s.name }

// Open runs the command and starts reading its output.
func (s *Stream) Open(ctx context.Context, epoch uint64) (ports.SourceHandle, error) {
	proc, err := s.exec.Execute(ctx, s.cfg.Endpoint, s.cfg.Script)
	if err != nil {
		var ce *domain.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: err}
	}

	h := &streamHandle{
		epoch: epoch,
		proc:  proc,
		idle:  s.cfg.IdleTimeout,
		now:   s.now,
		lines: make(chan lineMsg),
		done:  make(chan struct{}),
	}
	go h.read(proc.Stdout(), s.cfg.MaxLineBytes)
	return h, nil
}

type lineMsg struct {
	line    []byte
	tooLong bool
	err     error
}

type streamHandle struct {
	epoch uint64
	seq   uint64
	proc  ports.RemoteProcess
	idle  time.Duration
	now   func() time.Time

	lines     chan lineMsg
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// terminal is sticky once the stream ended.
	terminal error
	// waited is the time spent inside Next since the last record. Decode
	// errors do not reset it.
	waited time.Duration
}

func (h *streamHandle) Epoch() uint64 { return h.epoch }

func (h *streamHandle) Next(ctx context.Context) (*domain.Record, error) {
	if h.terminal != nil {
		return nil, h.terminal
	}

	start := time.Now()
	timer := time.NewTimer(max(h.idle-h.waited, 0))
	defer timer.Stop()
	defer func() { h.waited += time.Since(start) }()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
			h.terminal = &domain.SourceError{Cause: domain.CauseNetwork, Err: errHandleClosed}
			return nil, h.terminal
		case <-timer.C:
			h.waited, start = 0, time.Now()
			return nil, &domain.SourceError{
				Cause: domain.CauseTimeout,
				Err:   fmt.Errorf("no record within %s", h.idle),
			}
		case msg := <-h.lines:
			if msg.err != nil {
				h.terminal = msg.err
				return nil, h.terminal
			}
			if msg.tooLong {
				return nil, &domain.DecodeError{
					Raw:    msg.line,
					Reason: fmt.Sprintf("line exceeds %d bytes", len(msg.line)),
				}
			}
			if len(bytes.TrimSpace(msg.line)) == 0 {
				continue
			}

			rec, err := codec.Decode(msg.line)
			if err != nil {
				return nil, err
			}
			rec.Epoch = h.epoch
			rec.Seq = h.seq
			h.seq++
			if rec.CapturedAt.IsZero() {
				rec.CapturedAt = h.now()
			}
			h.waited, start = 0, time.Now()
			return rec, nil
		}
	}
}

// outcome maps the end of stdout to the stream outcome. It runs on the reader
// goroutine since Wait may block for as long as the remote keeps the session.
func (h *streamHandle) outcome(readErr error) error {
	if !errors.Is(readErr, io.EOF) {
		return &domain.SourceError{Cause: domain.CauseNetwork, Err: readErr}
	}
	err := h.proc.Wait()
	if err == nil {
		return domain.ErrEndOfStream
	}
	var se *domain.SourceError
	if errors.As(err, &se) {
		return err
	}
	return &domain.SourceError{Cause: domain.CauseRemoteExit, Err: err}
}

func (h *streamHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.closeErr = h.proc.Close()
	})
	return h.closeErr
}

func (h *streamHandle) read(r io.Reader, maxLine int) {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, tooLong, err := readLine(br, maxLine)
		if len(line) > 0 || tooLong {
			if !h.send(lineMsg{line: line, tooLong: tooLong}) {
				return
			}
		}
		if err != nil {
			h.send(lineMsg{err: h.outcome(err)})
			return
		}
	}
}

func (h *streamHandle) send(msg lineMsg) bool {
	select {
	case h.lines <- msg:
		return true
	case <-h.done:
		return false
	}
}

// readLine returns one line without its terminator. Lines longer than limit
// are consumed entirely but only their first limit bytes are returned.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit+1 {
				room := limit - len(buf)
				if room > 0 {
					buf = append(buf, chunk[:room]...)
				}
				tooLong = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !tooLong && len(buf) > 0 && buf[len(buf)-1] == '\n' {
			buf = buf[:len(buf)-1]
		}
		return buf, tooLong, err
	}
}

var _ ports.Source = (*Stream)(nil)
