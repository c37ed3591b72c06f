package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func logJSON(t *testing.T, adapterLevel slog.Level, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler)).WithLevel(adapterLevel)

	adapter.Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterMessageEvent(t *testing.T) {
	sp := wire.ProfileSecurity
	code := wire.SecurityStatusBusy

	entry := logJSON(t, slog.LevelDebug, Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-9",
		Direction:    DirectionIn,
		Layer:        LayerExchange,
		Category:     CategoryMessage,
		Operation:    "ConnectDevice",
		Message: &MessageEvent{
			Profile:       wire.ProfileStatusReport,
			Type:          wire.MsgStatusReport,
			MessageID:     4,
			KeyID:         12,
			StatusProfile: &sp,
			StatusCode:    &code,
		},
	})

	checks := map[string]any{
		"msg":            "protocol",
		"level":          "DEBUG",
		"conn_id":        "conn-9",
		"layer":          "EXCHANGE",
		"op":             "ConnectDevice",
		"profile":        "StatusReport",
		"msg_id":         float64(4),
		"key_id":         float64(12),
		"status_profile": "Security",
		"status_code":    float64(code),
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("%s = %v, want %v", k, entry[k], want)
		}
	}
}

func TestSlogAdapterStateChangeAtInfo(t *testing.T) {
	entry := logJSON(t, slog.LevelInfo, Event{
		Timestamp: time.Now(),
		Layer:     LayerManager,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityConnection,
			OldState: "NegotiatingSession",
			NewState: "Connected",
			Reason:   "session established",
		},
	})

	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["new_state"] != "Connected" {
		t.Errorf("new_state = %v, want Connected", entry["new_state"])
	}
	if _, ok := entry["conn_id"]; ok {
		t.Error("conn_id should be omitted when empty")
	}
}

func TestSlogAdapterErrorEvent(t *testing.T) {
	code := 5
	entry := logJSON(t, slog.LevelDebug, Event{
		Timestamp: time.Now(),
		Category:  CategoryError,
		Error:     &ErrorEventData{Layer: LayerManager, Message: "rendezvous timed out", Code: &code, Context: "RemotePassiveRendezvous"},
	})

	if entry["error_msg"] != "rendezvous timed out" {
		t.Errorf("error_msg = %v", entry["error_msg"])
	}
	if entry["error_code"] != float64(5) {
		t.Errorf("error_code = %v", entry["error_code"])
	}
}
