package store

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/rivetgate/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrKeyNotFound)

	require.NoError(t, s.Put(ctx, "k", "v", 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.CompareAndSwap(ctx, "k", "", "one", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", "", "two", 0)
	require.NoError(t, err)
	assert.False(t, ok, "key already exists")

	ok, err = s.CompareAndSwap(ctx, "k", "stale", "two", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", "one", "two", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "k", "v", time.Minute))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ports.ErrKeyNotFound)

	ok, err := s.CompareAndSwap(ctx, "k", "", "fresh", 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key counts as absent")
}
