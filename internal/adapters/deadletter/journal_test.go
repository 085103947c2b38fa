package deadletter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/Tether/internal/domain"
)

func record(t *testing.T, seq uint64, v float64) *domain.Record {
	t.Helper()
	r, err := domain.NewRecord(domain.Field{Name: "v", Value: v})
	require.NoError(t, err)
	r.Epoch, r.Seq = 1, seq
	r.CapturedAt = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return r
}

func TestJournalAppendIterateAndReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)
	j.BindRun("run-1")

	require.NoError(t, j.Append(record(t, 0, 1.5), errors.New("sink fatal: constraint")))
	require.NoError(t, j.Append(record(t, 1, 2.5), nil))

	var got []Entry
	require.NoError(t, j.Iterate(2, func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
	assert.Equal(t, "run-1", got[0].RunID)

	stats := j.Stats()
	assert.Equal(t, uint64(2), stats.Entries)
	assert.Equal(t, uint64(2), stats.LatestID)
	require.NoError(t, j.Close())

	// A torn append at the tail is dropped on reopen.
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 3, 0, 0, 0, 99, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, stats.SizeBytes, j2.Stats().SizeBytes)

	require.NoError(t, j2.Append(record(t, 2, 3.5), errors.New("again")))

	var causes []string
	require.NoError(t, ReadDir(dir, 0, func(e Entry) error {
		causes = append(causes, e.Cause)
		return nil
	}))
	assert.Equal(t, []string{"sink fatal: constraint", "", "again"}, causes)
	assert.Equal(t, uint64(3), j2.Stats().LatestID)
}

func TestEntryDecodeRestoresRecord(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	in := record(t, 7, 42)
	require.NoError(t, j.Append(in, errors.New("rejected")))

	require.NoError(t, j.Iterate(0, func(e Entry) error {
		out, err := e.Decode()
		require.NoError(t, err)
		assert.True(t, in.SameFields(out))
		assert.Equal(t, uint64(7), out.Seq)
		assert.True(t, in.CapturedAt.Equal(out.CapturedAt))
		return nil
	}))
}
