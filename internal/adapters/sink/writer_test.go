package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/Tether/internal/domain"
)

type failingWriter struct{ err error }

func (f failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestWriterPrettyPrints(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf, "  ")

	r, err := domain.NewRecord(domain.Field{Name: "t", Value: 1}, domain.Field{Name: "v", Value: 50})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), r))

	assert.Equal(t, "{\n  \"t\": 1,\n  \"v\": 50\n}\n", buf.String())
}

func TestWriterCompact(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf, "")

	r, err := domain.NewRecord(domain.Field{Name: "ok", Value: true})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), r))
	require.NoError(t, s.Write(context.Background(), r))

	assert.Equal(t, "{\"ok\":true}\n{\"ok\":true}\n", buf.String())
}

func TestWriterClassifiesErrors(t *testing.T) {
	r, err := domain.NewRecord(domain.Field{Name: "v", Value: 1})
	require.NoError(t, err)

	err = NewWriter(failingWriter{err: syscall.EPIPE}, "").Write(context.Background(), r)
	assert.True(t, domain.IsFatalSinkError(err))

	err = NewWriter(failingWriter{err: os.ErrClosed}, "").Write(context.Background(), r)
	assert.True(t, domain.IsFatalSinkError(err))

	err = NewWriter(failingWriter{err: errors.New("disk busy")}, "").Write(context.Background(), r)
	var se *domain.SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.SinkTransient, se.Kind)
}
