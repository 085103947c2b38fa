// Package sink holds the delivery destinations for records.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/ghalamif/Tether/internal/adapters/codec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

type StdoutConfig struct {
	Indent string `yaml:"indent"`
}

// Writer prints each record as JSON to an io.Writer, one object after the
// other. An empty indent prints one compact object per line.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	indent string
}

func NewWriter(w io.Writer, indent string) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{w: w, indent: indent}
}

func (s *Writer) Name() string { return "stdout" }

func (s *Writer) Write(ctx context.Context, r *domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		out []byte
		err error
	)
	if s.indent == "" {
		out, err = codec.Encode(r)
	} else {
		out, err = codec.EncodeIndent(r, s.indent)
	}
	if err != nil {
		return domain.Fatal(fmt.Errorf("encode record %s: %w", r.Key(), err))
	}
	out = append(out, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(out); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			return domain.Fatal(err)
		}
		return domain.Transient(err)
	}
	return nil
}

var _ ports.Sink = (*Writer)(nil)
