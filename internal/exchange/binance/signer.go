package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// requestSigner signs futures API requests. The signature covers the encoded
// query string with timestamp and recvWindow included, and is appended last
// so the server verifies exactly the payload prefix it received.
type requestSigner struct {
	apiKey     string
	secretKey  string
	recvWindow int64
	nowFn      func() time.Time
}

func newRequestSigner(apiKey, secretKey string, recvWindow int64) *requestSigner {
	return &requestSigner{
		apiKey:     apiKey,
		secretKey:  secretKey,
		recvWindow: recvWindow,
		nowFn:      time.Now,
	}
}

func (s *requestSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(s.nowFn().UnixMilli(), 10))
	if s.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(s.recvWindow, 10))
	}
	q.Del("signature")

	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = payload + "&signature=" + signature
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}
