package noise

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/noisepay/paysession/keys"
)

// ikSession holds the cipher state for one established channel. The send
// and receive ciphers carry nonce counters, so all operations on a session
// are serialized under its mutex.
type ikSession struct {
	mu         sync.Mutex
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	peerStatic []byte
}

// IKEngine implements Engine using the Noise IK pattern with the
// Curve25519/ChaChaPoly/SHA256 cipher suite. IK fits the payment flow:
// the payer learns the payee's static key from the directory before
// connecting, and both sides authenticate during the handshake.
type IKEngine struct {
	mu       sync.RWMutex
	pending  map[string]*noise.HandshakeState // initiator handshakes by token
	handles  map[string]noise.DHKey           // server static keys by handle
	sessions map[string]*ikSession            // established channels by session ID
}

// NewIKEngine creates an empty engine.
func NewIKEngine() *IKEngine {
	return &IKEngine{
		pending:  make(map[string]*noise.HandshakeState),
		handles:  make(map[string]noise.DHKey),
		sessions: make(map[string]*ikSession),
	}
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// dhKeyFromRecord copies a key record into the flynn/noise key shape.
func dhKeyFromRecord(record keys.KeyRecord) (noise.DHKey, error) {
	if !record.Valid() {
		return noise.DHKey{}, fmt.Errorf("invalid key record for device %q", record.DeviceID)
	}
	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, record.SecretKey[:])
	copy(key.Public, record.PublicKey[:])
	return key, nil
}

// Initiate implements Engine.
func (e *IKEngine) Initiate(local keys.KeyRecord, peerStatic [32]byte) (string, []byte, error) {
	staticKey, err := dhKeyFromRecord(local)
	if err != nil {
		return "", nil, err
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: staticKey,
		PeerStatic:    peerStatic[:],
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// First IK message (-> e, es, s, ss). No cipher states yet; the
	// initiator completes on the responder's reply.
	first, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return "", nil, fmt.Errorf("initiator write failed: %w", err)
	}

	token := uuid.NewString()
	e.mu.Lock()
	e.pending[token] = state
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Initiate",
		"token":     token,
		"device_id": local.DeviceID,
	}).Debug("Handshake initiated")

	return token, first, nil
}

// Complete implements Engine.
func (e *IKEngine) Complete(token string, response []byte) (string, error) {
	e.mu.Lock()
	state, ok := e.pending[token]
	delete(e.pending, token)
	e.mu.Unlock()
	if !ok {
		return "", ErrPendingNotFound
	}

	// Responder's reply (<- e, ee, se) completes the handshake. Split
	// order follows the Noise spec: the first cipher state encrypts
	// initiator-to-responder traffic.
	_, sendCipher, recvCipher, err := state.ReadMessage(nil, response)
	if err != nil {
		return "", fmt.Errorf("initiator read response failed: %w", err)
	}
	if sendCipher == nil || recvCipher == nil {
		return "", fmt.Errorf("handshake did not complete")
	}

	peerStatic := make([]byte, len(state.PeerStatic()))
	copy(peerStatic, state.PeerStatic())

	sessionID := uuid.NewString()
	e.mu.Lock()
	e.sessions[sessionID] = &ikSession{
		sendCipher: sendCipher,
		recvCipher: recvCipher,
		peerStatic: peerStatic,
	}
	e.mu.Unlock()

	return sessionID, nil
}

// NewServerHandle implements Engine.
func (e *IKEngine) NewServerHandle(local keys.KeyRecord) (string, error) {
	staticKey, err := dhKeyFromRecord(local)
	if err != nil {
		return "", err
	}

	handle := uuid.NewString()
	e.mu.Lock()
	e.handles[handle] = staticKey
	e.mu.Unlock()
	return handle, nil
}

// Accept implements Engine.
func (e *IKEngine) Accept(handle string, incoming []byte) (string, []byte, error) {
	e.mu.RLock()
	staticKey, ok := e.handles[handle]
	e.mu.RUnlock()
	if !ok {
		return "", nil, ErrHandleNotFound
	}

	// A fresh handshake state per accepted connection; the handle only
	// carries the server's static key.
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	if _, _, _, err := state.ReadMessage(nil, incoming); err != nil {
		return "", nil, fmt.Errorf("responder read failed: %w", err)
	}

	response, recvCipher, sendCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return "", nil, fmt.Errorf("responder write failed: %w", err)
	}
	if sendCipher == nil || recvCipher == nil {
		return "", nil, fmt.Errorf("handshake did not complete")
	}

	peerStatic := make([]byte, len(state.PeerStatic()))
	copy(peerStatic, state.PeerStatic())

	sessionID := uuid.NewString()
	e.mu.Lock()
	e.sessions[sessionID] = &ikSession{
		sendCipher: sendCipher,
		recvCipher: recvCipher,
		peerStatic: peerStatic,
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Accept",
		"session_id": sessionID,
		"peer":       hex.EncodeToString(peerStatic)[:16],
	}).Debug("Inbound handshake accepted")

	return sessionID, response, nil
}

// Encrypt implements Engine.
func (e *IKEngine) Encrypt(sessionID string, plaintext []byte) ([]byte, error) {
	session, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	ciphertext, err := session.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt implements Engine.
func (e *IKEngine) Decrypt(sessionID string, ciphertext []byte) ([]byte, error) {
	session, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	plaintext, err := session.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// PeerIdentity implements Engine.
func (e *IKEngine) PeerIdentity(sessionID string) (string, error) {
	session, err := e.session(sessionID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(session.peerStatic), nil
}

// Close implements Engine. Closing an unknown session is a no-op so
// disconnect paths stay idempotent.
func (e *IKEngine) Close(sessionID string) error {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	return nil
}

// CloseHandle discards a server handle. Existing sessions accepted through
// the handle are unaffected.
func (e *IKEngine) CloseHandle(handle string) {
	e.mu.Lock()
	delete(e.handles, handle)
	e.mu.Unlock()
}

func (e *IKEngine) session(sessionID string) (*ikSession, error) {
	e.mu.RLock()
	session, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}
