package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the delivery state of a message. The zero value is unknown;
// known values are ordered Sent < Delivered < Read.
type Status int

const (
	StatusUnknown Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "Sent"
	case StatusDelivered:
		return "Delivered"
	case StatusRead:
		return "Read"
	default:
		return "Unknown"
	}
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown message status %q", raw)
	}
}

type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
	Status    Status
	IsBot     bool
}

type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Content   string          `json:"content"`
	Timestamp string          `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
	IsBot     bool            `json:"is_bot_response"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(m.ID)
	if err != nil {
		return nil, err
	}
	wire := wireMessage{
		ID:        id,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		IsBot:     m.IsBot,
	}
	if !m.Timestamp.IsZero() {
		wire.Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if m.Status != StatusUnknown {
		wire.Status = m.Status.String()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts the server representation: numeric or string ids and
// ISO-8601 timestamps with or without a zone. A missing id decodes to "" and
// is rejected later by the Reconciler rather than here.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := decodeID(wire.ID)
	if err != nil {
		return err
	}
	ts, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	status := StatusSent
	if strings.TrimSpace(wire.Status) != "" {
		status, err = ParseStatus(wire.Status)
		if err != nil {
			return err
		}
	}
	*m = Message{
		ID:        id,
		Sender:    strings.TrimSpace(wire.Sender),
		Recipient: strings.TrimSpace(wire.Recipient),
		Content:   wire.Content,
		Timestamp: ts,
		Status:    status,
		IsBot:     wire.IsBot,
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("message id must be a string or number")
	}
	return n.String(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses ISO-8601 timestamps. Values without a zone are UTC.
// An empty string yields the zero time.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// StatusUpdate advances the status of one message.
type StatusUpdate struct {
	MessageID string
	Status    Status
}

// UnreadUpdate carries one peer's new unread count.
type UnreadUpdate struct {
	Peer   string
	Unread int
}

// PeerUnread is one entry of the polled inbox listing.
type PeerUnread struct {
	Peer   string `json:"email"`
	Unread int    `json:"unread"`
}

type Activity struct {
	Actor     string
	Action    string
	Details   string
	Timestamp time.Time
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var wire struct {
		Actor     string `json:"user_email"`
		Action    string `json:"action"`
		Details   string `json:"details"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ts, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	*a = Activity{Actor: wire.Actor, Action: wire.Action, Details: wire.Details, Timestamp: ts}
	return nil
}

// Profile is the local user as reported by the identity lookup. Email is the
// identity that appears as sender and recipient on messages.
type Profile struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID        json.RawMessage `json:"id"`
		Email     string          `json:"email"`
		CreatedAt string          `json:"created_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := decodeID(wire.ID)
	if err != nil {
		return err
	}
	created, err := ParseTimestamp(wire.CreatedAt)
	if err != nil {
		return err
	}
	*p = Profile{ID: id, Email: strings.TrimSpace(wire.Email), CreatedAt: created}
	return nil
}
