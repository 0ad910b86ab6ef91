package keys

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/noisepay/paysession/crypto"
)

// LocalAuthority derives key records deterministically from a 32-byte
// identity seed using HKDF-SHA256. The device ID salts the expansion and
// the epoch feeds the info parameter, so every (deviceID, epoch) pair
// yields an independent Curve25519 keypair and bumping the epoch rotates
// the key.
type LocalAuthority struct {
	seed []byte
}

// NewLocalAuthority creates an authority over an identity seed. A nil or
// empty seed is allowed and produces an authority whose Derive fails with
// ErrNoIdentity, matching a device with no identity configured.
func NewLocalAuthority(seed []byte) (*LocalAuthority, error) {
	if len(seed) != 0 && len(seed) != 32 {
		return nil, fmt.Errorf("identity seed must be 32 bytes, got %d", len(seed))
	}
	la := &LocalAuthority{}
	if len(seed) == 32 {
		la.seed = make([]byte, 32)
		copy(la.seed, seed)
	}
	return la, nil
}

// Derive implements Authority.
func (la *LocalAuthority) Derive(ctx context.Context, deviceID string, epoch uint32) (KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return KeyRecord{}, err
	}
	if la.seed == nil {
		return KeyRecord{}, ErrNoIdentity
	}
	if deviceID == "" {
		return KeyRecord{}, fmt.Errorf("%w: empty device id", ErrDerivationFailed)
	}

	info := make([]byte, 4)
	binary.BigEndian.PutUint32(info, epoch)

	var secret [32]byte
	reader := hkdf.New(sha256.New, la.seed, []byte(deviceID), info)
	if _, err := io.ReadFull(reader, secret[:]); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}

	keyPair, err := crypto.FromSecretKey(secret)
	if err != nil {
		crypto.ZeroBytes(secret[:])
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}
	crypto.ZeroBytes(secret[:])

	return KeyRecord{
		DeviceID:  deviceID,
		Epoch:     epoch,
		SecretKey: keyPair.Private,
		PublicKey: keyPair.Public,
	}, nil
}

// Wipe erases the identity seed. The authority fails with ErrNoIdentity
// afterwards.
func (la *LocalAuthority) Wipe() {
	if la.seed != nil {
		crypto.ZeroBytes(la.seed)
		la.seed = nil
	}
}
