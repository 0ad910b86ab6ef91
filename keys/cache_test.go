package keys

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noisepay/paysession/crypto"
)

func testRecord(t *testing.T, deviceID string, epoch uint32) KeyRecord {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return KeyRecord{
		DeviceID:  deviceID,
		Epoch:     epoch,
		SecretKey: kp.Private,
		PublicKey: kp.Public,
	}
}

func TestCacheSetGet(t *testing.T) {
	cache := NewCache(nil, 0)
	record := testRecord(t, "device-a", 3)

	require.NoError(t, cache.Set(record))

	got, ok := cache.Get("device-a", 3)
	require.True(t, ok)
	assert.Equal(t, record, got)
}

func TestCacheColdMiss(t *testing.T) {
	cache := NewCache(nil, 0)

	got, ok := cache.Get("unknown-device", 0)
	assert.False(t, ok)
	assert.Equal(t, KeyRecord{}, got)
}

func TestCacheRejectsInvalidRecord(t *testing.T) {
	cache := NewCache(nil, 0)
	assert.Error(t, cache.Set(KeyRecord{DeviceID: "device-a"}))
	assert.Error(t, cache.Set(KeyRecord{Epoch: 1}))
}

func TestCacheEpochEviction(t *testing.T) {
	cache := NewCache(nil, 2)

	for epoch := uint32(0); epoch <= 2; epoch++ {
		require.NoError(t, cache.Set(testRecord(t, "device-a", epoch)))
	}

	_, ok := cache.Get("device-a", 0)
	assert.False(t, ok, "oldest epoch should have been evicted")

	for epoch := uint32(1); epoch <= 2; epoch++ {
		_, ok := cache.Get("device-a", epoch)
		assert.True(t, ok, "epoch %d should survive eviction", epoch)
	}
	assert.Equal(t, 2, cache.EpochCount("device-a"))
}

func TestCacheEvictionIsPerDevice(t *testing.T) {
	cache := NewCache(nil, 1)

	require.NoError(t, cache.Set(testRecord(t, "device-a", 0)))
	require.NoError(t, cache.Set(testRecord(t, "device-b", 0)))

	_, okA := cache.Get("device-a", 0)
	_, okB := cache.Get("device-b", 0)
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestCacheClearDevice(t *testing.T) {
	cache := NewCache(nil, 0)

	require.NoError(t, cache.Set(testRecord(t, "device-a", 0)))
	require.NoError(t, cache.Set(testRecord(t, "device-a", 1)))
	require.NoError(t, cache.Set(testRecord(t, "device-b", 0)))

	require.NoError(t, cache.ClearDevice("device-a"))

	for epoch := uint32(0); epoch <= 1; epoch++ {
		_, ok := cache.Get("device-a", epoch)
		assert.False(t, ok, "epoch %d should be gone after ClearDevice", epoch)
	}
	_, ok := cache.Get("device-b", 0)
	assert.True(t, ok, "other devices must be unaffected")
}

func TestCacheClearAll(t *testing.T) {
	cache := NewCache(nil, 0)

	require.NoError(t, cache.Set(testRecord(t, "device-a", 0)))
	require.NoError(t, cache.Set(testRecord(t, "device-b", 0)))
	require.NoError(t, cache.ClearAll())

	_, okA := cache.Get("device-a", 0)
	_, okB := cache.Get("device-b", 0)
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestCachePersistentTier(t *testing.T) {
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("cache-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	record := testRecord(t, "device-a", 7)

	warm := NewCache(store, 0)
	require.NoError(t, warm.Set(record))

	// A fresh cache over the same store starts cold in memory but finds
	// the record in the persistent tier.
	cold := NewCache(store, 0)
	got, ok := cold.Get("device-a", 7)
	require.True(t, ok, "persistent hit expected")
	assert.Equal(t, record, got)

	// The hit must have repopulated the memory tier.
	assert.Equal(t, 1, cold.EpochCount("device-a"))
}

func TestCachePersistentEviction(t *testing.T) {
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("cache-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	cache := NewCache(store, 2)
	for epoch := uint32(0); epoch <= 2; epoch++ {
		require.NoError(t, cache.Set(testRecord(t, "device-a", epoch)))
	}

	// Evicted epochs must be gone from the persistent tier too, so a
	// fresh cache cannot resurrect them.
	fresh := NewCache(store, 2)
	_, ok := fresh.Get("device-a", 0)
	assert.False(t, ok, "evicted epoch resurrected from persistent store")
	_, ok = fresh.Get("device-a", 2)
	assert.True(t, ok)
}

func TestCacheEvictionSurvivesRebuild(t *testing.T) {
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("cache-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	first := NewCache(store, 2)
	require.NoError(t, first.Set(testRecord(t, "device-a", 0)))
	require.NoError(t, first.Set(testRecord(t, "device-a", 1)))

	// A rebuilt cache over the same store starts with a cold memory map;
	// the limit still applies to the epochs already at rest.
	rebuilt := NewCache(store, 2)
	require.NoError(t, rebuilt.Set(testRecord(t, "device-a", 2)))
	require.NoError(t, rebuilt.Set(testRecord(t, "device-a", 3)))

	names, err := store.ListEncrypted(storePrefix("device-a"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(names), 2, "persisted epochs exceed the configured maximum")

	_, ok := rebuilt.Get("device-a", 0)
	assert.False(t, ok, "epoch 0 should have been evicted from the store")
	_, ok = rebuilt.Get("device-a", 1)
	assert.False(t, ok, "epoch 1 should have been evicted from the store")
	_, ok = rebuilt.Get("device-a", 2)
	assert.True(t, ok)
	_, ok = rebuilt.Get("device-a", 3)
	assert.True(t, ok)
}

func TestCachePersistentClearDevice(t *testing.T) {
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("cache-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	cache := NewCache(store, 0)
	require.NoError(t, cache.Set(testRecord(t, "device-a", 0)))
	require.NoError(t, cache.ClearDevice("device-a"))

	fresh := NewCache(store, 0)
	_, ok := fresh.Get("device-a", 0)
	assert.False(t, ok, "cleared record resurrected from persistent store")
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewCache(nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("device-%d", worker%2)
			for epoch := uint32(0); epoch < 20; epoch++ {
				record := KeyRecord{DeviceID: deviceID, Epoch: epoch}
				record.SecretKey[0] = byte(worker + 1)
				record.PublicKey[0] = byte(epoch + 1)
				_ = cache.Set(record)
				cache.Get(deviceID, epoch)
			}
		}(i)
	}
	wg.Wait()

	for _, deviceID := range []string{"device-0", "device-1"} {
		assert.LessOrEqual(t, cache.EpochCount(deviceID), DefaultMaxCachedEpochs)
	}
}
