package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTimestampTreatsZonelessAsUTC(t *testing.T) {
	cases := map[string]time.Time{
		"2026-03-01T12:00:00":        baseTime,
		"2026-03-01T12:00:00Z":       baseTime,
		"2026-03-01T14:00:00+02:00":  baseTime,
		"2026-03-01 12:00:00.5":      baseTime.Add(500 * time.Millisecond),
		"2026-03-01T12:00:00.000001": baseTime.Add(time.Microsecond),
	}
	for raw, want := range cases {
		got, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for garbage timestamp")
	}
	if got, err := ParseTimestamp(""); err != nil || !got.IsZero() {
		t.Fatalf("expected zero time for empty input, got %v %v", got, err)
	}
}

func TestMessageJSONKeepsWireShape(t *testing.T) {
	msg := Message{
		ID:        "12",
		Sender:    "alice@example.com",
		Recipient: "whatsease_bot",
		Content:   "ping",
		Timestamp: baseTime,
		Status:    StatusRead,
		IsBot:     false,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if wire["status"] != "Read" || wire["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected wire form %s", data)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("timestamp changed: %v", back.Timestamp)
	}
	back.Timestamp = msg.Timestamp
	if back != msg {
		t.Fatalf("expected %+v, got %+v", msg, back)
	}
}

func TestProfileDecodesIdentityLookup(t *testing.T) {
	var p Profile
	if err := json.Unmarshal([]byte(`{"id": 3, "email": " alice@example.com ", "created_at": "2026-03-01T12:00:00"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ID != "3" || p.Email != "alice@example.com" || !p.CreatedAt.Equal(baseTime) {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestActivityDecodesUserEmail(t *testing.T) {
	var a Activity
	if err := json.Unmarshal([]byte(`{"id":1,"user_email":"bob@example.com","action":"login","details":"web","timestamp":"2026-03-01T12:00:00"}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Actor != "bob@example.com" || a.Action != "login" || !a.Timestamp.Equal(baseTime) {
		t.Fatalf("unexpected activity %+v", a)
	}
}
