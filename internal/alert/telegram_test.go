package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplitMessage_ShortTextSingleChunk(t *testing.T) {
	chunks := splitMessage("hello\nworld", 4000)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "hello\nworld" {
		t.Errorf("Chunk mutated: %q", chunks[0])
	}
}

func TestSplitMessage_SplitsOnLineBoundaries(t *testing.T) {
	lines := []string{"aaaa", "bbbb", "cccc", "dddd"}
	text := strings.Join(lines, "\n")

	chunks := splitMessage(text, 9) // fits two 4-char lines plus a newline

	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if len([]rune(c)) > 9 {
			t.Errorf("Chunk %d exceeds limit: %q", i, c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Errorf("Chunk %d has dangling newline: %q", i, c)
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Errorf("Rejoined chunks differ from original")
	}
}

func TestSplitMessage_HardSplitsOversizedLine(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := splitMessage(text, 10)

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("Hard split lost content")
	}
	for i, c := range chunks[:2] {
		if len(c) != 10 {
			t.Errorf("Chunk %d should be full, got len %d", i, len(c))
		}
	}
}

func TestTelegramChannel_SendText(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]interface{}
	var arrivals []time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("Bad JSON body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, body)
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token", "12345")
	ch.baseURL = srv.URL
	ch.chunkLimit = 10
	ch.sendGap = 120 * time.Millisecond

	err := ch.SendText(context.Background(), "line-one\nline-two")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(bodies) != 2 {
		t.Fatalf("Expected 2 chunk requests, got %d", len(bodies))
	}
	if bodies[0]["chat_id"] != "12345" {
		t.Errorf("Wrong chat_id: %v", bodies[0]["chat_id"])
	}
	if bodies[0]["text"] != "line-one" || bodies[1]["text"] != "line-two" {
		t.Errorf("Unexpected chunk texts: %v, %v", bodies[0]["text"], bodies[1]["text"])
	}
	if v, ok := bodies[0]["disable_web_page_preview"].(bool); !ok || !v {
		t.Errorf("disable_web_page_preview not set")
	}
	if _, ok := bodies[0]["parse_mode"]; ok {
		t.Errorf("parse_mode should not be set for plain text")
	}

	if gap := arrivals[1].Sub(arrivals[0]); gap < 100*time.Millisecond {
		t.Errorf("Consecutive sends not paced: gap %v", gap)
	}
}

func TestTelegramChannel_DisabledIsNoop(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	ch := NewTelegramChannel("", "")
	ch.baseURL = srv.URL

	if err := ch.SendText(context.Background(), "should go nowhere"); err != nil {
		t.Fatalf("Disabled channel returned error: %v", err)
	}
	if hit {
		t.Errorf("Disabled channel still made a request")
	}
}
