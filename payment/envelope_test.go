package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWireFormat(t *testing.T) {
	request := NewRequest("r1", "payer-A", "payee-B", "lightning")
	request.Amount = "1000"

	data, err := request.Marshal()
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, "request_receipt", fields["type"])
	assert.Equal(t, "r1", fields["receipt_id"])
	assert.Equal(t, "payer-A", fields["payer"])
	assert.Equal(t, "payee-B", fields["payee"])
	assert.Equal(t, "lightning", fields["method_id"])
	assert.Equal(t, "1000", fields["amount"])
	assert.Contains(t, fields, "created_at")

	// Optional fields stay off the wire when unset.
	assert.NotContains(t, fields, "currency")
	assert.NotContains(t, fields, "description")
}

func TestRequestValidate(t *testing.T) {
	valid := NewRequest("r1", "A", "B", "lightning")
	assert.NoError(t, valid.Validate())

	for _, clear := range []func(*Request){
		func(r *Request) { r.ReceiptID = "" },
		func(r *Request) { r.Payer = "" },
		func(r *Request) { r.Payee = "" },
		func(r *Request) { r.MethodID = "" },
	} {
		request := NewRequest("r1", "A", "B", "lightning")
		clear(request)
		assert.Error(t, request.Validate())
	}
}

func TestParseRequest(t *testing.T) {
	data, err := NewRequest("r1", "A", "B", "lightning").Marshal()
	require.NoError(t, err)

	parsed, err := ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", parsed.ReceiptID)

	_, err = ParseRequest([]byte(`{"type":"confirm_receipt","receipt_id":"r1"}`))
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = ParseRequest([]byte(`{"type":"request_receipt","receipt_id":"r1"}`))
	assert.Error(t, err, "missing required fields must fail validation")

	_, err = ParseRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseConfirmation(t *testing.T) {
	data, err := NewConfirmation("r1").Marshal()
	require.NoError(t, err)

	parsed, err := ParseConfirmation(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", parsed.ReceiptID)
	assert.NotZero(t, parsed.ConfirmedAt)

	_, err = ParseConfirmation([]byte(`{"type":"confirm_receipt"}`))
	assert.Error(t, err, "missing receipt_id must fail")
}

func TestEndpointOfferWireFormat(t *testing.T) {
	offer := NewEndpointOffer("lightning", "lnbc1...", time.Hour)

	data, err := offer.Marshal()
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, "private_endpoint_offer", fields["type"])
	assert.Equal(t, "lightning", fields["method_id"])
	assert.Equal(t, "lnbc1...", fields["endpoint"])
	assert.Contains(t, fields, "created_at")
	assert.Contains(t, fields, "expires_at")

	// A zero ttl keeps the expiry off the wire.
	eternal, err := NewEndpointOffer("onchain", "bc1q...", 0).Marshal()
	require.NoError(t, err)
	fields = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(eternal, &fields))
	assert.NotContains(t, fields, "expires_at")
}

func TestEndpointOfferExpiry(t *testing.T) {
	offer := NewEndpointOffer("lightning", "lnbc1...", time.Hour)
	assert.False(t, offer.Expired(time.Now()))
	assert.True(t, offer.Expired(time.Now().Add(2*time.Hour)))

	eternal := NewEndpointOffer("lightning", "lnbc1...", 0)
	assert.False(t, eternal.Expired(time.Now().Add(24*time.Hour)))
}

func TestParseEndpointOffer(t *testing.T) {
	data, err := NewEndpointOffer("lightning", "lnbc1...", 0).Marshal()
	require.NoError(t, err)

	parsed, err := ParseEndpointOffer(data)
	require.NoError(t, err)
	assert.Equal(t, "lightning", parsed.MethodID)
	assert.Equal(t, "lnbc1...", parsed.Endpoint)

	_, err = ParseEndpointOffer([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = ParseEndpointOffer([]byte(`{"type":"private_endpoint_offer","method_id":"lightning"}`))
	assert.Error(t, err, "missing endpoint must fail validation")
}

func TestParseErrorEnvelope(t *testing.T) {
	data, err := NewErrorEnvelope(CodeHandlerError, "payment method unavailable").Marshal()
	require.NoError(t, err)

	parsed, err := ParseErrorEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, CodeHandlerError, parsed.Code)
	assert.Equal(t, "payment method unavailable", parsed.Message)
}

func TestEnvelopeType(t *testing.T) {
	for _, envelope := range []string{
		`{"type":"request_receipt"}`,
		`{"type":"confirm_receipt"}`,
		`{"type":"private_endpoint_offer"}`,
		`{"type":"error"}`,
		`{"type":"ping"}`,
		`{"type":"pong"}`,
	} {
		kind, err := EnvelopeType([]byte(envelope))
		require.NoError(t, err)
		assert.NotEmpty(t, kind)
	}

	_, err := EnvelopeType([]byte(`{"type":"subscribe"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = EnvelopeType([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = EnvelopeType([]byte(`garbage`))
	assert.Error(t, err)
}

func TestPingPong(t *testing.T) {
	kind, err := EnvelopeType(MarshalPing())
	require.NoError(t, err)
	assert.Equal(t, TypePing, kind)

	kind, err = EnvelopeType(MarshalPong())
	require.NoError(t, err)
	assert.Equal(t, TypePong, kind)
}
