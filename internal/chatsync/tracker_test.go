package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type emitted struct {
	event   string
	payload []byte
}

type recordingEmitter struct {
	mu    sync.Mutex
	err   error
	calls []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e.calls = append(e.calls, emitted{event: event, payload: data})
	return nil
}

func (e *recordingEmitter) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *recordingEmitter) named(event string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, c := range e.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
)

func TestShouldAcknowledge(t *testing.T) {
	toAlice := Message{ID: "1", Sender: bob, Recipient: alice, Status: StatusDelivered}
	cases := []struct {
		name string
		rc   ReadContext
		peer string
		msg  Message
		want bool
	}{
		{"active recipient", ReadContext{Me: alice, Active: bob}, bob, toAlice, true},
		{"identity unknown", ReadContext{Active: bob}, bob, toAlice, false},
		{"no active conversation", ReadContext{Me: alice}, bob, toAlice, false},
		{"other conversation active", ReadContext{Me: alice, Active: "carol@example.com"}, bob, toAlice, false},
		{"already read", ReadContext{Me: alice, Active: bob}, bob, Message{ID: "1", Sender: bob, Recipient: alice, Status: StatusRead}, false},
		{"own message", ReadContext{Me: alice, Active: bob}, bob, Message{ID: "2", Sender: alice, Recipient: bob, Status: StatusDelivered}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ShouldAcknowledge(tc.rc, tc.peer, tc.msg))
		})
	}
}

func TestObserveEmitsOneReadPerUnreadMessage(t *testing.T) {
	rec := NewReconciler(nil, nil)
	var history []Message
	for i, id := range []string{"1", "2", "3"} {
		history = append(history, Message{ID: id, Sender: bob, Recipient: alice, Timestamp: baseTime.Add(time.Duration(i) * time.Second), Status: StatusRead})
	}
	history = append(history, Message{ID: "4", Sender: bob, Recipient: alice, Timestamp: baseTime.Add(5 * time.Second), Status: StatusDelivered})
	res := rec.Merge(history, nil)

	emitter := &recordingEmitter{}
	tracker := NewReadTracker(emitter, nil, nil)
	rc := ReadContext{Me: alice, Active: bob}

	acked := tracker.Observe(context.Background(), rc, bob, rec, res.Flagged)
	require.Equal(t, []string{"4"}, acked)
	reads := emitter.named(EmitMarkRead)
	require.Len(t, reads, 1)
	require.JSONEq(t, `{"message_id":4}`, string(reads[0].payload))

	// Observing again must not re-emit.
	tracker.ObserveAll(context.Background(), rc, bob, rec)
	require.Len(t, emitter.named(EmitMarkRead), 1)
	msg, _ := rec.Get("4")
	require.Equal(t, StatusRead, msg.Status)
}

func TestObserveMarksDeliveredWithoutActiveView(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.AddMessage(Message{ID: "1", Sender: bob, Recipient: alice, Timestamp: baseTime, Status: StatusSent})
	rec.AddMessage(Message{ID: "2", Sender: alice, Recipient: bob, Timestamp: baseTime, Status: StatusSent})
	emitter := &recordingEmitter{}
	tracker := NewReadTracker(emitter, nil, nil)

	tracker.ObserveAll(context.Background(), ReadContext{Me: alice}, bob, rec)

	inbound, _ := rec.Get("1")
	outbound, _ := rec.Get("2")
	require.Equal(t, StatusDelivered, inbound.Status)
	require.Equal(t, StatusSent, outbound.Status)
	require.Empty(t, emitter.named(EmitMarkRead))
}

func TestFailedAckIsRetriedOnNextObservation(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.AddMessage(Message{ID: "m-1", Sender: bob, Recipient: alice, Timestamp: baseTime, Status: StatusDelivered})
	emitter := &recordingEmitter{}
	emitter.setErr(errors.New("not connected"))
	tracker := NewReadTracker(emitter, nil, nil)
	rc := ReadContext{Me: alice, Active: bob}

	acked := tracker.ObserveAll(context.Background(), rc, bob, rec)
	require.Empty(t, acked)
	msg, _ := rec.Get("m-1")
	require.Equal(t, StatusDelivered, msg.Status)

	emitter.setErr(nil)
	acked = tracker.ObserveAll(context.Background(), rc, bob, rec)
	require.Equal(t, []string{"m-1"}, acked)
	reads := emitter.named(EmitMarkRead)
	require.Len(t, reads, 1)
	require.JSONEq(t, `{"message_id":"m-1"}`, string(reads[0].payload))
}
