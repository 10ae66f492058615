package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	release, ok, err := l.Acquire(ctx, "slot:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "slot:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lock")

	_, ok, _ = l.Acquire(ctx, "slot:2", time.Minute)
	assert.True(t, ok, "locks are per key")

	release()
	release2, ok, _ := l.Acquire(ctx, "slot:1", time.Minute)
	assert.True(t, ok)

	// a stale release from an expired holder does not free the new holder's lock
	now = now.Add(2 * time.Minute)
	release3, ok, _ := l.Acquire(ctx, "slot:1", time.Minute)
	require.True(t, ok)
	release2()
	_, ok, _ = l.Acquire(ctx, "slot:1", time.Minute)
	assert.False(t, ok)
	release3()
}
