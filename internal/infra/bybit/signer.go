package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names for Bybit V5 authentication.
const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
	HeaderSign       = "X-BAPI-SIGN"
)

// Signer handles Bybit V5 authentication.
// It stores keys as []byte to allow memory wiping.
type Signer struct {
	apiKey     []byte
	secret     []byte
	recvWindow string
	now        func() time.Time
}

// NewSigner creates a new signer. recvWindow <= 0 selects 5000ms.
func NewSigner(apiKey, secret string, recvWindow time.Duration) *Signer {
	rw := recvWindow.Milliseconds()
	if rw <= 0 {
		rw = 5000
	}
	return &Signer{
		apiKey:     []byte(apiKey),
		secret:     []byte(secret),
		recvWindow: strconv.FormatInt(rw, 10),
		now:        time.Now,
	}
}

// HasCredentials reports whether both key and secret are set.
func (s *Signer) HasCredentials() bool {
	return s != nil && len(s.apiKey) > 0 && len(s.secret) > 0
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	clear(s.apiKey)
	clear(s.secret)
}

// Headers signs payload (sorted query string for GET, JSON body for POST)
// and returns the authentication headers.
func (s *Signer) Headers(payload string) map[string]string {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return map[string]string{
		HeaderAPIKey:     string(s.apiKey),
		HeaderTimestamp:  ts,
		HeaderRecvWindow: s.recvWindow,
		HeaderSign:       s.Sign(ts, payload),
	}
}

// Sign returns hex(HMAC_SHA256(secret, timestamp + apiKey + recvWindow + payload)).
func (s *Signer) Sign(timestamp, payload string) string {
	return s.computeHmacSha256(timestamp + string(s.apiKey) + s.recvWindow + payload)
}

// StreamAuthArgs returns the args of the stream "auth" operation, valid for ttl.
func (s *Signer) StreamAuthArgs(ttl time.Duration) []any {
	expires := s.now().Add(ttl).UnixMilli()
	sig := s.computeHmacSha256("GET/realtime" + strconv.FormatInt(expires, 10))
	return []any{string(s.apiKey), expires, sig}
}

func (s *Signer) computeHmacSha256(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
