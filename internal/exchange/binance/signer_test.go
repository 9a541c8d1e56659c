package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSigner_SignRequest(t *testing.T) {
	signer := newRequestSigner("key-123", "secret-abc", 5000)
	signer.nowFn = func() time.Time { return time.UnixMilli(1499827319559) }

	req, err := http.NewRequest("POST", "https://fapi.binance.com/fapi/v1/order?symbol=LTCUSDT&side=BUY", nil)
	require.NoError(t, err)

	require.NoError(t, signer.SignRequest(req))

	// Signature must be the last query parameter so the server verifies
	// exactly the prefix payload.
	rawQuery := req.URL.RawQuery
	idx := strings.LastIndex(rawQuery, "&signature=")
	require.Greater(t, idx, 0, "signature missing or not last: %s", rawQuery)

	payload := rawQuery[:idx]
	gotSig := rawQuery[idx+len("&signature="):]

	mac := hmac.New(sha256.New, []byte("secret-abc"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	values, err := url.ParseQuery(payload)
	require.NoError(t, err)
	assert.Equal(t, "LTCUSDT", values.Get("symbol"))
	assert.Equal(t, "BUY", values.Get("side"))
	assert.Equal(t, "1499827319559", values.Get("timestamp"))
	assert.Equal(t, "5000", values.Get("recvWindow"))

	assert.Equal(t, "key-123", req.Header.Get("X-MBX-APIKEY"))
}

func TestRequestSigner_Deterministic(t *testing.T) {
	signer := newRequestSigner("k", "s", 5000)
	fixed := time.UnixMilli(1700000000000)
	signer.nowFn = func() time.Time { return fixed }

	sigOf := func() string {
		req, _ := http.NewRequest("GET", "https://fapi.binance.com/fapi/v2/balance", nil)
		_ = signer.SignRequest(req)
		parts := strings.Split(req.URL.RawQuery, "&signature=")
		return parts[len(parts)-1]
	}

	assert.Equal(t, sigOf(), sigOf())
}

func TestRequestSigner_NoRecvWindow(t *testing.T) {
	signer := newRequestSigner("k", "s", 0)
	signer.nowFn = func() time.Time { return time.UnixMilli(1700000000000) }

	req, _ := http.NewRequest("GET", "https://fapi.binance.com/fapi/v2/balance", nil)
	require.NoError(t, signer.SignRequest(req))

	assert.NotContains(t, req.URL.RawQuery, "recvWindow")
	assert.Contains(t, req.URL.RawQuery, "timestamp=1700000000000")
}
