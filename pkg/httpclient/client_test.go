package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func fastDelays(t *testing.T) {
	t.Helper()
	oldBase, oldMax := retryBaseDelay, retryMaxDelay
	retryBaseDelay = time.Millisecond
	retryMaxDelay = 8 * time.Millisecond
	t.Cleanup(func() {
		retryBaseDelay = oldBase
		retryMaxDelay = oldMax
	})
}

func TestClient_RetriesServerErrorsUntilSuccess(t *testing.T) {
	fastDelays(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))
	body, err := client.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	if string(body) != "success" {
		t.Errorf("Unexpected body: %s", body)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestClient_BackoffScheduleDoubles(t *testing.T) {
	oldBase, oldMax := retryBaseDelay, retryMaxDelay
	retryBaseDelay = 40 * time.Millisecond
	retryMaxDelay = 160 * time.Millisecond
	t.Cleanup(func() {
		retryBaseDelay = oldBase
		retryMaxDelay = oldMax
	})

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))

	start := time.Now()
	_, err := client.Get(context.Background(), "/", nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	// Two waits on the doubling schedule: >= base, then >= 2*base.
	if want := 3 * retryBaseDelay; elapsed < want {
		t.Errorf("Elapsed %v below the backoff schedule minimum %v", elapsed, want)
	}
}

func TestClient_RetriesRateLimitResponses(t *testing.T) {
	fastDelays(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))
	if _, err := client.Get(context.Background(), "/", nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestClient_ClientErrorsAreFinal(t *testing.T) {
	fastDelays(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", apiErr.StatusCode)
	}
	if attempts != 1 {
		t.Errorf("Client error should not retry, server saw %d attempts", attempts)
	}
}

func TestClient_ExhaustsAttemptsAndSurfacesLastFailure(t *testing.T) {
	fastDelays(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected the last APIError to surface, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", apiErr.StatusCode)
	}
	if attempts != MaxAttempts {
		t.Errorf("Expected exactly %d attempts, got %d", MaxAttempts, attempts)
	}
}

func TestClient_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fastDelays(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, NewLimiter(time.Millisecond))

	// First call burns through all attempts and trips the breaker.
	_, _ = client.Get(context.Background(), "/", nil)

	seen := attempts
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Error("Expected error while circuit is open")
	}
	if attempts != seen {
		t.Errorf("Server was reached with open circuit: %d extra attempts", attempts-seen)
	}
}

func TestClient_PacesRequestStarts(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, nil) // default 150ms spacing

	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "/", nil); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < 140*time.Millisecond {
		t.Errorf("Requests not paced: gap %v", gap)
	}
}

func TestClient_SignerAppliedPerAttempt(t *testing.T) {
	fastDelays(t)

	var signatures []string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signatures = append(signatures, r.URL.Query().Get("sig"))
		n := len(signatures)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	counter := 0
	signer := signerFunc(func(req *http.Request) error {
		counter++
		q := req.URL.Query()
		q.Set("sig", fmt.Sprintf("attempt-%d", counter))
		req.URL.RawQuery = q.Encode()
		return nil
	})

	client := NewClient(server.URL, 5*time.Second, signer, NewLimiter(time.Millisecond))
	if _, err := client.Get(context.Background(), "/", map[string]string{"symbol": "BTCUSDT"}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signatures) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(signatures))
	}
	if signatures[0] == signatures[1] {
		t.Errorf("Retried attempt reused a stale signature: %s", signatures[0])
	}
}

type signerFunc func(req *http.Request) error

func (f signerFunc) SignRequest(req *http.Request) error { return f(req) }
