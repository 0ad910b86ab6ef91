package keys

import (
	"encoding/hex"
	"fmt"
)

// KeyRecord is one device/epoch scoped Curve25519 keypair. Records are
// immutable once created: rotation produces a record for a new epoch, it
// never replaces the material under an existing (DeviceID, Epoch) pair.
type KeyRecord struct {
	DeviceID  string
	Epoch     uint32
	SecretKey [32]byte
	PublicKey [32]byte
}

// Valid reports whether the record carries a device ID and key material.
func (r KeyRecord) Valid() bool {
	var acc byte
	for _, b := range r.SecretKey {
		acc |= b
	}
	return r.DeviceID != "" && acc != 0
}

// PublicKeyHex returns the hex encoding of the record's public key, the
// form used in composite endpoint addresses and directory entries.
func (r KeyRecord) PublicKeyHex() string {
	return hex.EncodeToString(r.PublicKey[:])
}

// storeName returns the at-rest entry name for the record. The device ID
// is hex encoded so arbitrary identifiers stay filesystem safe.
func storeName(deviceID string, epoch uint32) string {
	return fmt.Sprintf("%s.%d", hex.EncodeToString([]byte(deviceID)), epoch)
}

// storePrefix returns the at-rest entry prefix shared by every epoch of a
// device.
func storePrefix(deviceID string) string {
	return hex.EncodeToString([]byte(deviceID)) + "."
}

// encodeRecord serializes key material for the encrypted store:
// secret key followed by public key, 64 bytes total.
func encodeRecord(r KeyRecord) []byte {
	buf := make([]byte, 64)
	copy(buf[:32], r.SecretKey[:])
	copy(buf[32:], r.PublicKey[:])
	return buf
}

// decodeRecord rebuilds a record from its at-rest form.
func decodeRecord(deviceID string, epoch uint32, data []byte) (KeyRecord, error) {
	if len(data) != 64 {
		return KeyRecord{}, fmt.Errorf("invalid key record size: got %d, want 64", len(data))
	}
	r := KeyRecord{DeviceID: deviceID, Epoch: epoch}
	copy(r.SecretKey[:], data[:32])
	copy(r.PublicKey[:], data[32:])
	return r, nil
}
