package keys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/noisepay/paysession/crypto"
)

// DefaultMaxCachedEpochs is the per-device epoch limit applied when the
// cache is created with a zero limit.
const DefaultMaxCachedEpochs = 5

// Cache holds device/epoch scoped key records in memory, optionally backed
// by an encrypted at-rest store. The in-memory map is the hot tier; a hit
// in the persistent tier repopulates it. Safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	records   map[string]map[uint32]KeyRecord // deviceID -> epoch -> record
	store     *crypto.EncryptedKeyStore       // nil for memory-only caches
	maxEpochs int
}

// NewCache creates a key cache. store may be nil for a memory-only cache.
// maxEpochs bounds how many epochs are kept per device; zero or negative
// selects DefaultMaxCachedEpochs.
func NewCache(store *crypto.EncryptedKeyStore, maxEpochs int) *Cache {
	if maxEpochs <= 0 {
		maxEpochs = DefaultMaxCachedEpochs
	}
	return &Cache{
		records:   make(map[string]map[uint32]KeyRecord),
		store:     store,
		maxEpochs: maxEpochs,
	}
}

// Get returns the cached record for (deviceID, epoch). A cold cache is not
// an error: the second return value is false on a miss.
func (c *Cache) Get(deviceID string, epoch uint32) (KeyRecord, bool) {
	c.mu.RLock()
	record, ok := c.records[deviceID][epoch]
	c.mu.RUnlock()
	if ok {
		return record, true
	}

	if c.store == nil {
		return KeyRecord{}, false
	}

	// Memory miss: try the persistent tier and repopulate on a hit.
	data, err := c.store.ReadEncrypted(storeName(deviceID, epoch))
	if err != nil {
		return KeyRecord{}, false
	}
	record, err = decodeRecord(deviceID, epoch, data)
	crypto.ZeroBytes(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Get",
			"device_id": deviceID,
			"epoch":     epoch,
			"error":     err.Error(),
		}).Warn("Discarding corrupted key record from persistent store")
		return KeyRecord{}, false
	}

	c.mu.Lock()
	if c.records[deviceID] == nil {
		c.records[deviceID] = make(map[uint32]KeyRecord)
	}
	c.records[deviceID][epoch] = record
	c.mu.Unlock()

	return record, true
}

// Set stores a record in both tiers, then evicts the oldest epochs of the
// device until at most maxEpochs remain. Eviction is strictly
// epoch-ascending; epochs are monotonic per device so ties cannot occur.
func (c *Cache) Set(record KeyRecord) error {
	if !record.Valid() {
		return fmt.Errorf("refusing to cache invalid key record for %q", record.DeviceID)
	}

	c.mu.Lock()
	if c.records[record.DeviceID] == nil {
		c.records[record.DeviceID] = make(map[uint32]KeyRecord)
	}
	c.records[record.DeviceID][record.Epoch] = record
	c.mu.Unlock()

	if c.store != nil {
		data := encodeRecord(record)
		err := c.store.WriteEncrypted(storeName(record.DeviceID, record.Epoch), data)
		crypto.ZeroBytes(data)
		if err != nil {
			return fmt.Errorf("failed to persist key record: %w", err)
		}
	}

	return c.evictDevice(record.DeviceID)
}

// evictDevice trims a device to maxEpochs over the union of both tiers.
// A cache rebuilt over an existing store inherits that store's epochs
// with a cold memory map, so persisted entries count toward the limit
// even when nothing in memory references them.
func (c *Cache) evictDevice(deviceID string) error {
	persisted, err := c.persistedEpochs(deviceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	known := make(map[uint32]struct{}, len(c.records[deviceID])+len(persisted))
	for epoch := range c.records[deviceID] {
		known[epoch] = struct{}{}
	}
	for _, epoch := range persisted {
		known[epoch] = struct{}{}
	}

	var evicted []uint32
	if len(known) > c.maxEpochs {
		epochs := make([]uint32, 0, len(known))
		for epoch := range known {
			epochs = append(epochs, epoch)
		}
		sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

		for len(epochs) > c.maxEpochs {
			delete(c.records[deviceID], epochs[0])
			evicted = append(evicted, epochs[0])
			epochs = epochs[1:]
		}
	}
	c.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Set",
		"device_id": deviceID,
		"evicted":   evicted,
	}).Debug("Evicted oldest cached epochs")

	if c.store == nil {
		return nil
	}
	for _, epoch := range evicted {
		if err := c.store.DeleteEncrypted(storeName(deviceID, epoch)); err != nil {
			return fmt.Errorf("failed to evict persisted epoch %d: %w", epoch, err)
		}
	}
	return nil
}

// persistedEpochs enumerates the device's epochs present in the at-rest
// tier. Entries whose epoch suffix does not parse are ignored; Get
// already treats them as corrupt.
func (c *Cache) persistedEpochs(deviceID string) ([]uint32, error) {
	if c.store == nil {
		return nil, nil
	}

	prefix := storePrefix(deviceID)
	names, err := c.store.ListEncrypted(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted records: %w", err)
	}

	epochs := make([]uint32, 0, len(names))
	for _, name := range names {
		epoch, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil {
			continue
		}
		epochs = append(epochs, uint32(epoch))
	}
	return epochs, nil
}

// ClearDevice removes every cached record for a device from both tiers.
// Used by explicit key rotation.
func (c *Cache) ClearDevice(deviceID string) error {
	c.mu.Lock()
	delete(c.records, deviceID)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}

	names, err := c.store.ListEncrypted(storePrefix(deviceID))
	if err != nil {
		return fmt.Errorf("failed to list persisted records: %w", err)
	}
	for _, name := range names {
		if err := c.store.DeleteEncrypted(name); err != nil {
			return fmt.Errorf("failed to delete persisted record %s: %w", name, err)
		}
	}
	return nil
}

// ClearAll removes every cached record for every device.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	c.records = make(map[string]map[uint32]KeyRecord)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}

	names, err := c.store.ListEncrypted("")
	if err != nil {
		return fmt.Errorf("failed to list persisted records: %w", err)
	}
	for _, name := range names {
		if err := c.store.DeleteEncrypted(name); err != nil {
			return fmt.Errorf("failed to delete persisted record %s: %w", name, err)
		}
	}
	return nil
}

// EpochCount returns the number of cached epochs for a device in the
// memory tier.
func (c *Cache) EpochCount(deviceID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records[deviceID])
}
