package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlackChannel_SendShape(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &captured); err != nil {
			t.Errorf("Bad JSON body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Warning,
		Title:     "Entry blocked",
		Message:   "BTCUSDT LONG",
		Timestamp: time.Unix(1700000000, 0),
		Fields:    map[string]string{"symbol": "BTCUSDT", "reason": "drawdown"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	attachments, ok := captured["attachments"].([]interface{})
	if !ok || len(attachments) != 1 {
		t.Fatalf("Expected one attachment, got %v", captured["attachments"])
	}
	att := attachments[0].(map[string]interface{})

	if att["color"] != "#ffcc00" {
		t.Errorf("Wrong color for WARNING: %v", att["color"])
	}
	if !strings.Contains(att["pretext"].(string), "[WARNING] Entry blocked") {
		t.Errorf("Unexpected pretext: %v", att["pretext"])
	}
	if att["text"] != "BTCUSDT LONG" {
		t.Errorf("Unexpected text: %v", att["text"])
	}

	fields := att["fields"].([]interface{})
	if len(fields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(fields))
	}
	// Fields arrive sorted by key.
	first := fields[0].(map[string]interface{})
	if first["title"] != "reason" || first["value"] != "drawdown" {
		t.Errorf("Unexpected first field: %v", first)
	}
}

func TestSlackChannel_DisabledIsNoop(t *testing.T) {
	ch := NewSlackChannel("")
	if err := ch.Send(context.Background(), AlertPayload{Title: "x"}); err != nil {
		t.Fatalf("Disabled channel returned error: %v", err)
	}
}

func TestSlackChannel_SurfacesWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "invalid_token")
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	err := ch.Send(context.Background(), AlertPayload{Level: Info, Title: "x"})
	if err == nil {
		t.Fatal("Expected error on 403")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("Error should carry status and body: %v", err)
	}
}
