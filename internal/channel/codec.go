package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO packet types.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO packet types, carried inside an engine message.
const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
)

// Event is one named push event with its raw JSON payload.
type Event struct {
	Name    string
	Payload json.RawMessage
}

type frame struct {
	engine byte
	socket byte
	body   []byte
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, fmt.Errorf("empty frame")
	}
	f := frame{engine: data[0], body: data[1:]}
	switch f.engine {
	case engineOpen, engineClose, enginePing, enginePong, engineUpgrade, engineNoop:
		return f, nil
	case engineMessage:
		if len(f.body) == 0 {
			return frame{}, fmt.Errorf("empty socket packet")
		}
		f.socket = f.body[0]
		f.body = stripNamespace(f.body[1:])
		return f, nil
	default:
		return frame{}, fmt.Errorf("unknown engine packet type %q", f.engine)
	}
}

// stripNamespace drops a "/ns," prefix. Only the default namespace is used.
func stripNamespace(body []byte) []byte {
	if len(body) == 0 || body[0] != '/' {
		return body
	}
	if idx := bytes.IndexByte(body, ','); idx >= 0 {
		return body[idx+1:]
	}
	return nil
}

func decodeEvent(body []byte) (Event, error) {
	// An ack id may precede the argument array.
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	var args []json.RawMessage
	if err := json.Unmarshal(body[i:], &args); err != nil {
		return Event{}, fmt.Errorf("decode event arguments: %w", err)
	}
	if len(args) == 0 {
		return Event{}, fmt.Errorf("event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return Event{}, fmt.Errorf("event name is not a string")
	}
	ev := Event{Name: name}
	if len(args) > 1 {
		ev.Payload = args[1]
	}
	return ev, nil
}

func decodeConnectError(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if unquoted, err := strconv.Unquote(string(body)); err == nil {
		return unquoted
	}
	return string(body)
}

func encodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return append([]byte{engineMessage, socketEvent}, encoded...), nil
}

func encodeConnect(auth any) ([]byte, error) {
	out := []byte{engineMessage, socketConnect}
	if auth == nil {
		return out, nil
	}
	encoded, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	return append(out, encoded...), nil
}

func encodePong() []byte {
	return []byte{enginePong}
}

func encodeDisconnect() []byte {
	return []byte{engineMessage, socketDisconnect}
}
