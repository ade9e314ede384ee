package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestSetSuspensionKeepsLaterExpiry(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, client.SetSuspension(ctx, "R1", "black", now.Add(2*time.Hour)))
	require.NoError(t, client.SetSuspension(ctx, "R1", "black", now.Add(time.Hour)))

	entries, err := client.GetSuspensions(ctx, now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "R1", entries[0].Reference)
	assert.Equal(t, "black", entries[0].Color)
	assert.WithinDuration(t, now.Add(2*time.Hour), entries[0].SuspendUntil, time.Second)
}

func TestGetSuspensionsDropsExpired(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, client.SetSuspension(ctx, "R1", "black", now.Add(time.Hour)))
	require.NoError(t, client.SetSuspension(ctx, "R2", "white", now.Add(3*time.Hour)))

	entries, err := client.GetSuspensions(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "R2", entries[0].Reference)
}

func TestSetSuspensionInThePastIsNoop(t *testing.T) {
	client, mr := newTestClient(t)

	require.NoError(t, client.SetSuspension(context.Background(), "R1", "black", time.Now().Add(-time.Minute)))
	assert.Empty(t, mr.Keys())
}

func TestLockIsOwnedByToken(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "reconcile:company", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = client.AcquireLock(ctx, "reconcile:company", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not release someone else's lock
	require.NoError(t, client.ReleaseLock(ctx, "reconcile:company", "not-the-owner"))
	_, ok, err = client.AcquireLock(ctx, "reconcile:company", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.ReleaseLock(ctx, "reconcile:company", token))
	_, ok, err = client.AcquireLock(ctx, "reconcile:company", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyKeyRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := client.GetIdempotencyKey(ctx, "split:1:abc")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, client.SetIdempotencyKey(ctx, "split:1:abc", "42", time.Hour))

	val, found, err := client.GetIdempotencyKey(ctx, "split:1:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "42", val)

	require.NoError(t, client.DeleteIdempotencyKey(ctx, "split:1:abc"))
	_, found, err = client.GetIdempotencyKey(ctx, "split:1:abc")
	require.NoError(t, err)
	assert.False(t, found)
}
