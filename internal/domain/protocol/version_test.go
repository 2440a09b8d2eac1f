package protocol

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, OCPP_VERSION_1_6, NormalizeVersion("1.6"))
	assert.Equal(t, OCPP_VERSION_1_6, NormalizeVersion("ocpp1.6"))
	assert.Equal(t, OCPP_VERSION_2_0_1, NormalizeVersion("v2.0.1"))
	assert.Equal(t, OCPP_VERSION_2_0_1, NormalizeVersion(" ocpp2.0.1 "))
	assert.Empty(t, NormalizeVersion("3.0"))
}

func TestNegotiateSubprotocolWins(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger?version=1.6", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp2.0.1")
	r.Header.Set("X-OCPP-Version", "1.6")

	v, err := Negotiate(r, "1.6", true)
	require.NoError(t, err)
	assert.Equal(t, OCPP_VERSION_2_0_1, v)
}

func TestNegotiateUnrecognizedSubprotocols(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "mqtt, stomp")

	_, err := Negotiate(r, "1.6", true)
	require.Error(t, err)

	ne, ok := err.(*NegotiationError)
	require.True(t, ok)
	assert.Equal(t, []string{"mqtt", "stomp"}, ne.Offered)
}

func TestNegotiateHeaderFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("X-OCPP-Version", "2.0.1")

	v, err := Negotiate(r, "1.6", true)
	require.NoError(t, err)
	assert.Equal(t, OCPP_VERSION_2_0_1, v)
}

func TestNegotiateQueryParameter(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger?version=2.0.1", nil)

	v, err := Negotiate(r, "1.6", true)
	require.NoError(t, err)
	assert.Equal(t, OCPP_VERSION_2_0_1, v)
}

func TestNegotiatePathSuffix(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger/v1.6", nil)

	v, err := Negotiate(r, "2.0.1", true)
	require.NoError(t, err)
	assert.Equal(t, OCPP_VERSION_1_6, v)
}

func TestNegotiateConfiguredDefault(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)

	v, err := Negotiate(r, "2.0.1", true)
	require.NoError(t, err)
	assert.Equal(t, "2.0.1", v)
}

func TestNegotiateAutoDetectDisabled(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp2.0.1")

	v, err := Negotiate(r, "1.6", false)
	require.NoError(t, err)
	assert.Equal(t, "1.6", v)
}

func TestParseSubprotocols(t *testing.T) {
	assert.Nil(t, ParseSubprotocols(""))
	assert.Equal(t, []string{"ocpp1.6", "ocpp2.0.1"}, ParseSubprotocols("ocpp1.6, ocpp2.0.1"))
}
