package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoIdentity indicates no identity is configured to derive keys from.
	ErrNoIdentity = errors.New("no identity configured")
	// ErrDerivationFailed indicates the key authority could not produce a key.
	ErrDerivationFailed = errors.New("key derivation failed")
)

// DefaultDeriveTimeout bounds the remote derivation round trip when the
// caller's context carries no deadline of its own.
const DefaultDeriveTimeout = 30 * time.Second

// Authority produces key material for a (deviceID, epoch) pair. The
// implementation may be local, remote, or cross-process; Derive may block
// for a round trip and must honor ctx cancellation.
type Authority interface {
	Derive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error)
}

// AuthorityClient answers key lookups cache-first, falling back to the
// authority on a miss and caching the result before returning it.
type AuthorityClient struct {
	cache         *Cache
	authority     Authority
	deriveTimeout time.Duration
}

// NewAuthorityClient creates a client over the given cache and authority.
// deriveTimeout bounds authority round trips for contexts without a
// deadline; zero selects DefaultDeriveTimeout.
func NewAuthorityClient(cache *Cache, authority Authority, deriveTimeout time.Duration) *AuthorityClient {
	if deriveTimeout <= 0 {
		deriveTimeout = DefaultDeriveTimeout
	}
	return &AuthorityClient{
		cache:         cache,
		authority:     authority,
		deriveTimeout: deriveTimeout,
	}
}

// GetOrDerive returns the key record for (deviceID, epoch), consulting the
// cache first. On a miss it asks the authority, stores the result, and
// returns it. Context deadline and cancellation errors pass through
// unwrapped so callers can distinguish them from derivation failures.
func (ac *AuthorityClient) GetOrDerive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error) {
	if record, ok := ac.cache.Get(deviceID, epoch); ok {
		return record, nil
	}

	if ac.authority == nil {
		return KeyRecord{}, ErrNoIdentity
	}

	deriveCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		deriveCtx, cancel = context.WithTimeout(ctx, ac.deriveTimeout)
		defer cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "GetOrDerive",
		"device_id": deviceID,
		"epoch":     epoch,
	}).Debug("Key cache miss, requesting derivation from authority")

	record, err := ac.authority.Derive(deriveCtx, deviceID, epoch)
	if err != nil {
		if ctxErr := deriveCtx.Err(); ctxErr != nil {
			return KeyRecord{}, ctxErr
		}
		if errors.Is(err, ErrNoIdentity) || errors.Is(err, ErrDerivationFailed) {
			return KeyRecord{}, err
		}
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}

	if err := ac.cache.Set(record); err != nil {
		// A persistence failure degrades the cache, not the caller.
		logrus.WithFields(logrus.Fields{
			"function":  "GetOrDerive",
			"device_id": deviceID,
			"epoch":     epoch,
			"error":     err.Error(),
		}).Warn("Failed to cache derived key record")
	}

	return record, nil
}

// Rotate discards every cached epoch for the device and derives material
// for the new epoch. The new record is cached before it is returned.
func (ac *AuthorityClient) Rotate(ctx context.Context, deviceID string, newEpoch uint32) (KeyRecord, error) {
	if err := ac.cache.ClearDevice(deviceID); err != nil {
		return KeyRecord{}, fmt.Errorf("failed to clear device before rotation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Rotate",
		"device_id": deviceID,
		"new_epoch": newEpoch,
	}).Info("Rotating device key material")

	return ac.GetOrDerive(ctx, deviceID, newEpoch)
}
