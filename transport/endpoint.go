package transport

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint describes where a payee's session server can be reached and
// which static key authenticates it. Endpoints come from the directory or
// from manual entry of a composite address; the session layer consumes
// them read-only.
type Endpoint struct {
	Host            string
	Port            uint16
	ServerPublicKey [32]byte
	Metadata        string
}

// Addr returns the dialable host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// String returns the composite host:port:pubkey_hex form of the endpoint,
// suitable for manual exchange.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d:%s", e.Host, e.Port, hex.EncodeToString(e.ServerPublicKey[:]))
}

// ParseEndpoint parses a composite "host:port:pubkey_hex" address, the
// manual-entry override format. Splitting on ':' must yield at least
// three fields; the last is the hex public key, the second to last the
// port, and the rest rejoin into the host so unbracketed IPv6 literals
// survive.
func ParseEndpoint(address string) (Endpoint, error) {
	fields := strings.Split(address, ":")
	if len(fields) < 3 {
		return Endpoint{}, fmt.Errorf("invalid endpoint address %q: want host:port:pubkey_hex", address)
	}

	keyHex := fields[len(fields)-1]
	portField := fields[len(fields)-2]
	host := strings.Join(fields[:len(fields)-2], ":")
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint address %q: empty host", address)
	}

	port, err := strconv.ParseUint(portField, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", portField, err)
	}

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint public key: %w", err)
	}
	if len(keyBytes) != 32 {
		return Endpoint{}, fmt.Errorf("invalid endpoint public key: got %d bytes, want 32", len(keyBytes))
	}

	endpoint := Endpoint{Host: host, Port: uint16(port)}
	copy(endpoint.ServerPublicKey[:], keyBytes)
	return endpoint, nil
}
