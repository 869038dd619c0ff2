package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	EventMessage  = "message"
	EventStatus   = "status"
	EventUnread   = "unread"
	EmitSend      = "send_message"
	EmitMarkRead  = "mark_read"
	schemaBaseURL = "https://schemas.chatsync.dev/events/"
)

var eventSchemas = map[string]string{
	EventMessage: `{
		"type": "object",
		"required": ["id", "sender", "recipient"],
		"properties": {
			"id": {"oneOf": [{"type": "integer"}, {"type": "string", "minLength": 1}]},
			"sender": {"type": "string", "minLength": 1},
			"recipient": {"type": "string", "minLength": 1},
			"content": {"type": "string"},
			"timestamp": {"type": "string"},
			"status": {"enum": ["Sent", "Delivered", "Read"]},
			"is_bot_response": {"type": "boolean"}
		}
	}`,
	EventStatus: `{
		"type": "object",
		"required": ["message_id", "status"],
		"properties": {
			"message_id": {"oneOf": [{"type": "integer"}, {"type": "string", "minLength": 1}]},
			"status": {"enum": ["Sent", "Delivered", "Read"]}
		}
	}`,
	EventUnread: `{
		"type": "object",
		"required": ["peer", "unread"],
		"properties": {
			"peer": {"type": "string", "minLength": 1},
			"unread": {"type": "integer"}
		}
	}`,
}

var compiledSchemas = struct {
	once    sync.Once
	schemas map[string]*jsonschema.Schema
	err     error
}{}

func loadEventSchemas() (map[string]*jsonschema.Schema, error) {
	compiledSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, src := range eventSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compiledSchemas.err = fmt.Errorf("parse %s schema: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name+".json", doc); err != nil {
				compiledSchemas.err = fmt.Errorf("add %s schema: %w", name, err)
				return
			}
		}
		schemas := make(map[string]*jsonschema.Schema, len(eventSchemas))
		for name := range eventSchemas {
			sch, err := compiler.Compile(schemaBaseURL + name + ".json")
			if err != nil {
				compiledSchemas.err = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			schemas[name] = sch
		}
		compiledSchemas.schemas = schemas
	})
	return compiledSchemas.schemas, compiledSchemas.err
}

// Event is one decoded push event. Exactly one of Message, Status or Unread
// is meaningful, selected by Name.
type Event struct {
	Name    string
	Message Message
	Status  StatusUpdate
	Unread  UnreadUpdate
}

// DecodeEvent validates and decodes a push payload. Payloads that fail
// validation return an error matching ErrMalformedEvent; names this client
// does not consume return ErrUnsupportedEvent.
func DecodeEvent(name string, payload []byte) (Event, error) {
	schemas, err := loadEventSchemas()
	if err != nil {
		return Event{}, err
	}
	sch, ok := schemas[name]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, name)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Event{}, newError(KindMalformedEvent, "decode "+name, fmt.Errorf("empty payload"))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Event{}, newError(KindMalformedEvent, "decode "+name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Event{}, newError(KindMalformedEvent, "validate "+name, err)
	}

	ev := Event{Name: name}
	switch name {
	case EventMessage:
		if err := json.Unmarshal(payload, &ev.Message); err != nil {
			return Event{}, newError(KindMalformedEvent, "decode message", err)
		}
		if ev.Message.ID == "" {
			return Event{}, newError(KindMalformedEvent, "decode message", fmt.Errorf("missing id"))
		}
	case EventStatus:
		var wire struct {
			MessageID json.RawMessage `json:"message_id"`
			Status    string          `json:"status"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return Event{}, newError(KindMalformedEvent, "decode status", err)
		}
		id, err := decodeID(wire.MessageID)
		if err != nil || id == "" {
			return Event{}, newError(KindMalformedEvent, "decode status", fmt.Errorf("missing message id"))
		}
		status, err := ParseStatus(wire.Status)
		if err != nil {
			return Event{}, newError(KindMalformedEvent, "decode status", err)
		}
		ev.Status = StatusUpdate{MessageID: id, Status: status}
	case EventUnread:
		var wire struct {
			Peer   string `json:"peer"`
			Unread int    `json:"unread"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return Event{}, newError(KindMalformedEvent, "decode unread", err)
		}
		ev.Unread = UnreadUpdate{Peer: strings.TrimSpace(wire.Peer), Unread: wire.Unread}
	}
	return ev, nil
}

type sendMessagePayload struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type markReadPayload struct {
	MessageID any `json:"message_id"`
}

// markRead builds the acknowledgment payload. Numeric ids are sent as
// numbers so the server's integer lookup matches.
func markRead(messageID string) markReadPayload {
	n := json.Number(messageID)
	if _, err := n.Int64(); err == nil {
		return markReadPayload{MessageID: n}
	}
	return markReadPayload{MessageID: messageID}
}
