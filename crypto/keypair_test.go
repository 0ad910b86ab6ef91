package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if isZeroKey(kp.Public) {
		t.Error("generated public key is all zeros")
	}
	if isZeroKey(kp.Private) {
		t.Error("generated private key is all zeros")
	}
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	derived, err := FromSecretKey(kp.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}

	if derived.Public != kp.Public {
		t.Error("derived public key does not match original")
	}
}

func TestFromSecretKeyRejectsZeros(t *testing.T) {
	var zero [32]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Error("expected error for all-zero secret key")
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive key material")
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	if !bytes.Equal(data, make([]byte, len(data))) {
		t.Error("data was not zeroed")
	}

	if err := SecureWipe(nil); err == nil {
		t.Error("expected error for nil data")
	}
}

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	if !isZeroKey(kp.Private) {
		t.Error("private key was not wiped")
	}

	if err := WipeKeyPair(nil); err == nil {
		t.Error("expected error for nil key pair")
	}
}
