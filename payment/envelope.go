package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope type discriminators, fixed on the wire.
const (
	TypeRequestReceipt       = "request_receipt"
	TypeConfirmReceipt       = "confirm_receipt"
	TypePrivateEndpointOffer = "private_endpoint_offer"
	TypeError                = "error"
	TypePing                 = "ping"
	TypePong                 = "pong"
)

// Error envelope codes produced by the session server.
const (
	CodeInvalidRequest = "invalid_request"
	CodeDecryptFailed  = "decrypt_failed"
	CodeHandlerError   = "handler_error"
	CodeInternal       = "internal"
)

var (
	// ErrUnknownType indicates an envelope whose type discriminator is not
	// recognized.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrWrongType indicates an envelope parsed as the wrong kind.
	ErrWrongType = errors.New("unexpected envelope type")
)

// Request is a receipt request, the payload a payer sends after the
// handshake. Amount, Currency, and Description are optional; method
// semantics (e.g. a lightning invoice amount in sats) belong to the
// payment method, not this layer.
type Request struct {
	Type        string `json:"type"`
	ReceiptID   string `json:"receipt_id"`
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	MethodID    string `json:"method_id"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// NewRequest creates a receipt request stamped with the current time.
func NewRequest(receiptID, payer, payee, methodID string) *Request {
	return &Request{
		Type:      TypeRequestReceipt,
		ReceiptID: receiptID,
		Payer:     payer,
		Payee:     payee,
		MethodID:  methodID,
		CreatedAt: time.Now().Unix(),
	}
}

// Validate checks the fields every receipt request must carry.
func (r *Request) Validate() error {
	switch {
	case r.ReceiptID == "":
		return fmt.Errorf("receipt request missing receipt_id")
	case r.Payer == "":
		return fmt.Errorf("receipt request missing payer")
	case r.Payee == "":
		return fmt.Errorf("receipt request missing payee")
	case r.MethodID == "":
		return fmt.Errorf("receipt request missing method_id")
	}
	return nil
}

// Marshal serializes the request, forcing the type discriminator.
func (r *Request) Marshal() ([]byte, error) {
	r.Type = TypeRequestReceipt
	return json.Marshal(r)
}

// Confirmation is the success response to a receipt request.
type Confirmation struct {
	Type        string `json:"type"`
	ReceiptID   string `json:"receipt_id"`
	ConfirmedAt int64  `json:"confirmed_at"`
}

// NewConfirmation creates a confirmation for a receipt, stamped with the
// current time.
func NewConfirmation(receiptID string) *Confirmation {
	return &Confirmation{
		Type:        TypeConfirmReceipt,
		ReceiptID:   receiptID,
		ConfirmedAt: time.Now().Unix(),
	}
}

// Marshal serializes the confirmation, forcing the type discriminator.
func (c *Confirmation) Marshal() ([]byte, error) {
	c.Type = TypeConfirmReceipt
	return json.Marshal(c)
}

// EndpointOffer shares a private payment endpoint for a method over the
// encrypted channel, optionally with an expiry. Endpoint is opaque here;
// its format (a Bitcoin address, a Lightning invoice) belongs to the
// payment method.
type EndpointOffer struct {
	Type      string `json:"type"`
	MethodID  string `json:"method_id"`
	Endpoint  string `json:"endpoint"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// NewEndpointOffer creates an endpoint offer stamped with the current
// time. A zero ttl means the offer never expires.
func NewEndpointOffer(methodID, endpoint string, ttl time.Duration) *EndpointOffer {
	now := time.Now()
	offer := &EndpointOffer{
		Type:      TypePrivateEndpointOffer,
		MethodID:  methodID,
		Endpoint:  endpoint,
		CreatedAt: now.Unix(),
	}
	if ttl > 0 {
		offer.ExpiresAt = now.Add(ttl).Unix()
	}
	return offer
}

// Validate checks the fields every endpoint offer must carry.
func (o *EndpointOffer) Validate() error {
	switch {
	case o.MethodID == "":
		return fmt.Errorf("endpoint offer missing method_id")
	case o.Endpoint == "":
		return fmt.Errorf("endpoint offer missing endpoint")
	}
	return nil
}

// Expired reports whether the offer's expiry, if any, has passed.
func (o *EndpointOffer) Expired(now time.Time) bool {
	return o.ExpiresAt != 0 && now.Unix() >= o.ExpiresAt
}

// Marshal serializes the offer, forcing the type discriminator.
func (o *EndpointOffer) Marshal() ([]byte, error) {
	o.Type = TypePrivateEndpointOffer
	return json.Marshal(o)
}

// ErrorEnvelope is the protocol-level error response: the peer's request
// was understood to be bad, as opposed to the connection dying.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEnvelope creates an error response.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: TypeError, Code: code, Message: message}
}

// Marshal serializes the error envelope, forcing the type discriminator.
func (e *ErrorEnvelope) Marshal() ([]byte, error) {
	e.Type = TypeError
	return json.Marshal(e)
}

// typeProbe peeks at the discriminator without binding the rest.
type typeProbe struct {
	Type string `json:"type"`
}

// EnvelopeType returns the type discriminator of a raw envelope.
func EnvelopeType(data []byte) (string, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("failed to parse envelope: %w", err)
	}
	switch probe.Type {
	case TypeRequestReceipt, TypeConfirmReceipt, TypePrivateEndpointOffer, TypeError, TypePing, TypePong:
		return probe.Type, nil
	case "":
		return "", fmt.Errorf("%w: missing type field", ErrUnknownType)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}

// ParseRequest parses and validates a receipt request envelope.
func ParseRequest(data []byte) (*Request, error) {
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to parse request envelope: %w", err)
	}
	if request.Type != TypeRequestReceipt {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, request.Type, TypeRequestReceipt)
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	return &request, nil
}

// ParseConfirmation parses a confirmation envelope.
func ParseConfirmation(data []byte) (*Confirmation, error) {
	var confirmation Confirmation
	if err := json.Unmarshal(data, &confirmation); err != nil {
		return nil, fmt.Errorf("failed to parse confirmation envelope: %w", err)
	}
	if confirmation.Type != TypeConfirmReceipt {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, confirmation.Type, TypeConfirmReceipt)
	}
	if confirmation.ReceiptID == "" {
		return nil, fmt.Errorf("confirmation missing receipt_id")
	}
	return &confirmation, nil
}

// ParseEndpointOffer parses and validates an endpoint offer envelope.
func ParseEndpointOffer(data []byte) (*EndpointOffer, error) {
	var offer EndpointOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint offer envelope: %w", err)
	}
	if offer.Type != TypePrivateEndpointOffer {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, offer.Type, TypePrivateEndpointOffer)
	}
	if err := offer.Validate(); err != nil {
		return nil, err
	}
	return &offer, nil
}

// ParseErrorEnvelope parses an error envelope.
func ParseErrorEnvelope(data []byte) (*ErrorEnvelope, error) {
	var envelope ErrorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse error envelope: %w", err)
	}
	if envelope.Type != TypeError {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, envelope.Type, TypeError)
	}
	return &envelope, nil
}

// MarshalPing returns a ping envelope.
func MarshalPing() []byte {
	return []byte(`{"type":"ping"}`)
}

// MarshalPong returns a pong envelope.
func MarshalPong() []byte {
	return []byte(`{"type":"pong"}`)
}
