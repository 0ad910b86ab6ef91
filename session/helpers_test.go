package session

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noisepay/paysession/keys"
	"github.com/noisepay/paysession/noise"
	"github.com/noisepay/paysession/payment"
	"github.com/noisepay/paysession/transport"
)

// newTestAuthority builds a cache-backed authority client over a
// deterministic local identity seed.
func newTestAuthority(t *testing.T, seedByte byte) *keys.AuthorityClient {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	authority, err := keys.NewLocalAuthority(seed)
	require.NoError(t, err)
	return keys.NewAuthorityClient(keys.NewCache(nil, 0), authority, 0)
}

// confirmAll is a message handler that confirms every receipt.
var confirmAll = MessageHandlerFunc(func(request *payment.Request, peerIdentity string) (*payment.Confirmation, error) {
	return payment.NewConfirmation(request.ReceiptID), nil
})

// startTestServer starts a payee server on an ephemeral loopback port and
// stops it when the test ends.
func startTestServer(t *testing.T, handler MessageHandler, maxConnections int) (*Server, transport.Endpoint) {
	t.Helper()

	server := NewServer(noise.NewIKEngine(), newTestAuthority(t, 0x22), handler, ServerConfig{
		DeviceID: "payee-device",
		Host:     "127.0.0.1",
	})
	handle, err := server.Start(0, maxConnections)
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	return server, endpointFromHandle(t, handle)
}

// endpointFromHandle builds the client-side endpoint a directory lookup
// would have produced.
func endpointFromHandle(t *testing.T, handle *Handle) transport.Endpoint {
	t.Helper()

	keyBytes, err := hex.DecodeString(handle.PublicKeyHex)
	require.NoError(t, err)
	require.Len(t, keyBytes, 32)

	endpoint := transport.Endpoint{Host: "127.0.0.1", Port: handle.Port}
	copy(endpoint.ServerPublicKey[:], keyBytes)
	return endpoint
}

// newTestClient builds a payer client with its own engine and identity.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(noise.NewIKEngine(), newTestAuthority(t, 0x11), ClientConfig{
		DeviceID: "payer-device",
	})
}
