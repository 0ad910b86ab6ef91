package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAuthority wraps another authority and counts Derive calls.
type countingAuthority struct {
	inner Authority
	calls int
}

func (ca *countingAuthority) Derive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error) {
	ca.calls++
	return ca.inner.Derive(ctx, deviceID, epoch)
}

// slowAuthority blocks until its context is done.
type slowAuthority struct{}

func (slowAuthority) Derive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error) {
	<-ctx.Done()
	return KeyRecord{}, ctx.Err()
}

// failingAuthority always fails with an opaque error.
type failingAuthority struct{}

func (failingAuthority) Derive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error) {
	return KeyRecord{}, errors.New("authority unreachable")
}

func newTestSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func TestLocalAuthorityDeterministic(t *testing.T) {
	authority, err := NewLocalAuthority(newTestSeed())
	require.NoError(t, err)

	ctx := context.Background()
	r1, err := authority.Derive(ctx, "device-a", 0)
	require.NoError(t, err)
	r2, err := authority.Derive(ctx, "device-a", 0)
	require.NoError(t, err)

	assert.Equal(t, r1, r2, "derivation must be deterministic")
	assert.True(t, r1.Valid())
}

func TestLocalAuthorityEpochSeparation(t *testing.T) {
	authority, err := NewLocalAuthority(newTestSeed())
	require.NoError(t, err)

	ctx := context.Background()
	r0, err := authority.Derive(ctx, "device-a", 0)
	require.NoError(t, err)
	r1, err := authority.Derive(ctx, "device-a", 1)
	require.NoError(t, err)
	other, err := authority.Derive(ctx, "device-b", 0)
	require.NoError(t, err)

	assert.NotEqual(t, r0.PublicKey, r1.PublicKey, "epochs must yield distinct keys")
	assert.NotEqual(t, r0.PublicKey, other.PublicKey, "devices must yield distinct keys")
}

func TestLocalAuthorityNoIdentity(t *testing.T) {
	authority, err := NewLocalAuthority(nil)
	require.NoError(t, err)

	_, err = authority.Derive(context.Background(), "device-a", 0)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestLocalAuthorityRejectsBadSeed(t *testing.T) {
	_, err := NewLocalAuthority(make([]byte, 16))
	assert.Error(t, err)
}

func TestLocalAuthorityWipe(t *testing.T) {
	authority, err := NewLocalAuthority(newTestSeed())
	require.NoError(t, err)

	authority.Wipe()
	_, err = authority.Derive(context.Background(), "device-a", 0)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestAuthorityClientCacheFirst(t *testing.T) {
	inner, err := NewLocalAuthority(newTestSeed())
	require.NoError(t, err)
	counting := &countingAuthority{inner: inner}
	client := NewAuthorityClient(NewCache(nil, 0), counting, 0)

	ctx := context.Background()
	first, err := client.GetOrDerive(ctx, "device-a", 0)
	require.NoError(t, err)
	second, err := client.GetOrDerive(ctx, "device-a", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.calls, "second lookup must be served from cache")
}

func TestAuthorityClientTimeout(t *testing.T) {
	client := NewAuthorityClient(NewCache(nil, 0), slowAuthority{}, 50*time.Millisecond)

	start := time.Now()
	_, err := client.GetOrDerive(context.Background(), "device-a", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must bound the round trip")
}

func TestAuthorityClientCancellation(t *testing.T) {
	client := NewAuthorityClient(NewCache(nil, 0), slowAuthority{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.GetOrDerive(ctx, "device-a", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthorityClientNoAuthority(t *testing.T) {
	client := NewAuthorityClient(NewCache(nil, 0), nil, 0)

	_, err := client.GetOrDerive(context.Background(), "device-a", 0)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestAuthorityClientWrapsOpaqueFailures(t *testing.T) {
	client := NewAuthorityClient(NewCache(nil, 0), failingAuthority{}, 0)

	_, err := client.GetOrDerive(context.Background(), "device-a", 0)
	assert.ErrorIs(t, err, ErrDerivationFailed)
}

func TestAuthorityClientRotate(t *testing.T) {
	inner, err := NewLocalAuthority(newTestSeed())
	require.NoError(t, err)
	cache := NewCache(nil, 0)
	client := NewAuthorityClient(cache, inner, 0)

	ctx := context.Background()
	old, err := client.GetOrDerive(ctx, "device-a", 0)
	require.NoError(t, err)

	rotated, err := client.Rotate(ctx, "device-a", 1)
	require.NoError(t, err)
	assert.NotEqual(t, old.PublicKey, rotated.PublicKey)

	// Rotation clears the device: the old epoch is gone from the cache.
	_, ok := cache.Get("device-a", 0)
	assert.False(t, ok)
	_, ok = cache.Get("device-a", 1)
	assert.True(t, ok)
}
