// Package paysession implements an encrypted payment session layer: a
// request/response channel between a payer and a payee, secured by a
// Noise IK handshake over TCP.
//
// The payer side connects to a payee's session server, sends a receipt
// request, and waits for the confirmation:
//
//	options := paysession.NewOptions()
//	options.DeviceID = "wallet-primary"
//
//	payer, err := paysession.NewPayer(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer payer.Disconnect()
//
//	if err := payer.Connect(ctx, endpoint); err != nil {
//	    log.Fatal(err)
//	}
//	confirmation, err := payer.SendRequest(ctx, payment.NewRequest("r1", payerID, payeeID, "lightning"))
//
// The payee side listens and hands decrypted requests to a handler:
//
//	payee, err := paysession.NewPayee(options, session.MessageHandlerFunc(
//	    func(req *payment.Request, peer string) (*payment.Confirmation, error) {
//	        return payment.NewConfirmation(req.ReceiptID), nil
//	    }))
//	handle, err := payee.Start(9735, 10)
package paysession

import (
	"time"

	"github.com/noisepay/paysession/crypto"
	"github.com/noisepay/paysession/keys"
	"github.com/noisepay/paysession/noise"
	"github.com/noisepay/paysession/session"
)

// Options contains configuration shared by payer clients and payee
// servers built through this package.
type Options struct {
	// DeviceID names the local identity; the key authority derives this
	// device's key material from it.
	DeviceID string
	// Epoch selects which rotation of the device key to use.
	Epoch uint32

	// IdentitySeed feeds the built-in local key authority. Leave nil and
	// set Authority to use an external one.
	IdentitySeed []byte
	// Authority overrides the built-in local authority when set.
	Authority keys.Authority

	// KeyStoreDir enables the encrypted persistent key cache tier when
	// non-empty. KeyStorePassphrase protects it.
	KeyStoreDir        string
	KeyStorePassphrase []byte
	// MaxCachedEpochs bounds per-device cached keys; zero selects the
	// default.
	MaxCachedEpochs int

	// DeriveTimeout bounds key derivation calls; zero selects the
	// default.
	DeriveTimeout time.Duration
	// OperationTimeout bounds connect and request operations on the
	// payer side; zero selects the default.
	OperationTimeout time.Duration

	// MaxFrameSize bounds wire frames in both directions; zero selects
	// the transport default.
	MaxFrameSize uint32
	// Host is the payee listen address; empty listens on all interfaces.
	Host string
}

// NewOptions creates an Options with default settings.
func NewOptions() *Options {
	return &Options{
		MaxCachedEpochs:  keys.DefaultMaxCachedEpochs,
		DeriveTimeout:    keys.DefaultDeriveTimeout,
		OperationTimeout: session.DefaultOperationTimeout,
	}
}

// newAuthorityClient assembles the key cache and authority the sessions
// draw their key material from.
func newAuthorityClient(options *Options) (*keys.AuthorityClient, error) {
	var store *crypto.EncryptedKeyStore
	if options.KeyStoreDir != "" {
		var err error
		store, err = crypto.NewEncryptedKeyStore(options.KeyStoreDir, options.KeyStorePassphrase)
		if err != nil {
			return nil, err
		}
	}

	authority := options.Authority
	if authority == nil {
		local, err := keys.NewLocalAuthority(options.IdentitySeed)
		if err != nil {
			return nil, err
		}
		authority = local
	}

	cache := keys.NewCache(store, options.MaxCachedEpochs)
	return keys.NewAuthorityClient(cache, authority, options.DeriveTimeout), nil
}

// NewPayer creates a payer-side session client from the options.
func NewPayer(options *Options) (*session.Client, error) {
	if options == nil {
		options = NewOptions()
	}

	authority, err := newAuthorityClient(options)
	if err != nil {
		return nil, err
	}

	return session.NewClient(noise.NewIKEngine(), authority, session.ClientConfig{
		DeviceID:         options.DeviceID,
		Epoch:            options.Epoch,
		OperationTimeout: options.OperationTimeout,
		MaxFrameSize:     options.MaxFrameSize,
	}), nil
}

// NewPayee creates a payee-side session server from the options. The
// handler receives every decrypted receipt request; start it with
// Server.Start.
func NewPayee(options *Options, handler session.MessageHandler) (*session.Server, error) {
	if options == nil {
		options = NewOptions()
	}

	authority, err := newAuthorityClient(options)
	if err != nil {
		return nil, err
	}

	return session.NewServer(noise.NewIKEngine(), authority, handler, session.ServerConfig{
		DeviceID:     options.DeviceID,
		Epoch:        options.Epoch,
		MaxFrameSize: options.MaxFrameSize,
		Host:         options.Host,
	}), nil
}
