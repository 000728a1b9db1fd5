package bybit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeHmacSha256(t *testing.T) {
	// Standard HMAC-SHA256 test vector
	signer := NewSigner("dummy", "key", 0)

	got := signer.computeHmacSha256("The quick brown fox jumps over the lazy dog")

	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestSigner_Headers(t *testing.T) {
	signer := NewSigner("my-key", "my-secret", 5*time.Second)
	fixed := time.UnixMilli(1700000000000)
	signer.now = func() time.Time { return fixed }

	payload := `{"category":"linear","symbol":"BTCUSDT"}`
	h := signer.Headers(payload)

	assert.Equal(t, "my-key", h[HeaderAPIKey])
	assert.Equal(t, "1700000000000", h[HeaderTimestamp])
	assert.Equal(t, "5000", h[HeaderRecvWindow])
	assert.Equal(t, signer.computeHmacSha256("1700000000000"+"my-key"+"5000"+payload), h[HeaderSign])
	assert.Len(t, h[HeaderSign], 64)
}

func TestSigner_StreamAuthArgs(t *testing.T) {
	signer := NewSigner("my-key", "my-secret", 0)
	fixed := time.UnixMilli(1700000000000)
	signer.now = func() time.Time { return fixed }

	args := signer.StreamAuthArgs(10 * time.Second)

	assert.Equal(t, "my-key", args[0])
	assert.Equal(t, int64(1700000010000), args[1])
	assert.Equal(t, signer.computeHmacSha256("GET/realtime1700000010000"), args[2])
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("k", "s", 0)
	assert.True(t, signer.HasCredentials())

	signer.Wipe()
	assert.Equal(t, []byte{0}, signer.secret)
	assert.Equal(t, []byte{0}, signer.apiKey)

	var nilSigner *Signer
	nilSigner.Wipe()
	assert.False(t, nilSigner.HasCredentials())
}
