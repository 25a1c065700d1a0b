package core

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeStatus(t *testing.T) {
	status := map[string]any{
		"instance_id": "cam-1",
		"effect":      "Sepia",
		"capture":     map[string]any{"state": "Streaming"},
	}

	t.Run("json", func(t *testing.T) {
		raw, err := encodeStatus("json", status)
		if err != nil {
			t.Fatalf("encodeStatus: %v", err)
		}
		var back map[string]any
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("not json: %v", err)
		}
		if back["effect"] != "Sepia" {
			t.Errorf("effect = %v", back["effect"])
		}
	})

	t.Run("msgpack", func(t *testing.T) {
		raw, err := encodeStatus("msgpack", status)
		if err != nil {
			t.Fatalf("encodeStatus: %v", err)
		}
		var back map[string]any
		if err := msgpack.Unmarshal(raw, &back); err != nil {
			t.Fatalf("not msgpack: %v", err)
		}
		capture, _ := back["capture"].(map[string]any)
		if back["instance_id"] != "cam-1" || capture["state"] != "Streaming" {
			t.Errorf("decoded = %v", back)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := encodeStatus("xml", status); err == nil {
			t.Error("unknown format accepted")
		}
	})
}
