package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/Tether/internal/domain"
)

func TestBoundedFIFOOrder(t *testing.T) {
	q := NewBounded("raw", 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(ctx, &domain.Record{Seq: uint64(i)}))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		r, ok, err := q.Take(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), r.Seq)
	}
	assert.Zero(t, q.Len())
	assert.Equal(t, 3, q.HighWater())
}

func TestBoundedPutBlocksWhenFull(t *testing.T) {
	q := NewBounded("sink", 2)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, &domain.Record{}))
	require.NoError(t, q.Put(ctx, &domain.Record{}))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Put(timeout, &domain.Record{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, q.Len())
	assert.LessOrEqual(t, q.HighWater(), q.Cap())

	_, ok := q.TryTake()
	require.True(t, ok)
	require.NoError(t, q.Put(ctx, &domain.Record{}))
}

func TestBoundedCloseDrains(t *testing.T) {
	q := NewBounded("raw", 2)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, &domain.Record{Seq: 7}))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, &domain.Record{}), ErrClosed)

	r, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), r.Seq)

	_, ok, err = q.Take(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoundedZeroCapacityDefaultsToOne(t *testing.T) {
	q := NewBounded("raw", 0)
	assert.Equal(t, 1, q.Cap())
}
