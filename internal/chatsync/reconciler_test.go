package chatsync

import (
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration, status Status) Message {
	return Message{
		ID:        id,
		Sender:    "bob@example.com",
		Recipient: "alice@example.com",
		Content:   "hello " + id,
		Timestamp: baseTime.Add(offset),
		Status:    status,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeDeduplicatesHistoryAndStream(t *testing.T) {
	rec := NewReconciler(nil, nil)
	history := []Message{msgAt("1", 0, StatusSent), msgAt("2", time.Second, StatusSent)}
	events := []Event{
		{Name: EventMessage, Message: msgAt("2", time.Second, StatusSent)},
		{Name: EventMessage, Message: msgAt("1", 0, StatusSent)},
	}
	res := rec.Merge(history, events)
	if res.Added != 2 {
		t.Fatalf("expected 2 added, got %d", res.Added)
	}
	if got := ids(rec.Messages()); !equalIDs(got, []string{"1", "2"}) {
		t.Fatalf("unexpected sequence %v", got)
	}

	res = rec.Merge([]Message{msgAt("1", 0, StatusSent)}, nil)
	if res.Changed() {
		t.Fatalf("re-merging known history must be a no-op, got %+v", res)
	}
	if rec.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", rec.Len())
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.Merge([]Message{msgAt("1", 0, StatusSent)}, nil)

	res := rec.ApplyStatus(StatusUpdate{MessageID: "1", Status: StatusDelivered})
	if res.Advanced != 1 {
		t.Fatalf("expected Sent->Delivered to advance, got %+v", res)
	}
	res = rec.ApplyStatus(StatusUpdate{MessageID: "1", Status: StatusSent})
	if res.Changed() {
		t.Fatalf("expected lower status to be ignored, got %+v", res)
	}
	got, _ := rec.Get("1")
	if got.Status != StatusDelivered {
		t.Fatalf("expected Delivered, got %s", got.Status)
	}

	sequence := []Status{StatusRead, StatusSent, StatusDelivered, StatusRead, StatusSent}
	prev := got.Status
	for _, status := range sequence {
		rec.ApplyStatus(StatusUpdate{MessageID: "1", Status: status})
		cur, _ := rec.Get("1")
		if cur.Status < prev {
			t.Fatalf("status regressed from %s to %s", prev, cur.Status)
		}
		prev = cur.Status
	}
	if prev != StatusRead {
		t.Fatalf("expected Read to be terminal, got %s", prev)
	}
}

func TestDuplicateWithHigherStatusAdvances(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.AddMessage(msgAt("7", 0, StatusSent))
	res := rec.AddMessage(msgAt("7", 0, StatusRead))
	if res.Added != 0 || res.Advanced != 1 {
		t.Fatalf("expected duplicate to only advance status, got %+v", res)
	}
	if rec.Len() != 1 {
		t.Fatalf("expected one entry, got %d", rec.Len())
	}
}

func TestMergeOrdersByTimestampThenArrival(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.Merge(nil, []Event{
		{Name: EventMessage, Message: msgAt("late", 3*time.Second, StatusSent)},
		{Name: EventMessage, Message: msgAt("tie-a", time.Second, StatusSent)},
		{Name: EventMessage, Message: msgAt("early", 0, StatusSent)},
		{Name: EventMessage, Message: msgAt("tie-b", time.Second, StatusSent)},
	})
	rec.AddMessage(msgAt("tie-c", time.Second, StatusSent))

	want := []string{"early", "tie-a", "tie-b", "tie-c", "late"}
	if got := ids(rec.Messages()); !equalIDs(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMergeDiscardsMalformedWithoutAborting(t *testing.T) {
	rec := NewReconciler(nil, nil)
	res := rec.Merge(
		[]Message{{Content: "no id"}, msgAt("1", 0, StatusSent)},
		[]Event{
			{Name: EventStatus, Status: StatusUpdate{Status: StatusRead}},
			{Name: "typing"},
			{Name: EventMessage, Message: msgAt("2", time.Second, StatusSent)},
		},
	)
	if res.Discarded != 3 {
		t.Fatalf("expected 3 discarded items, got %d", res.Discarded)
	}
	if got := ids(rec.Messages()); !equalIDs(got, []string{"1", "2"}) {
		t.Fatalf("unexpected sequence %v", got)
	}
}

func TestMergeFlagsAddedAndAdvancedInSequenceOrder(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.AddMessage(msgAt("1", 0, StatusSent))
	res := rec.Merge(
		[]Message{msgAt("3", 2*time.Second, StatusSent)},
		[]Event{
			{Name: EventMessage, Message: msgAt("2", time.Second, StatusSent)},
			{Name: EventStatus, Status: StatusUpdate{MessageID: "1", Status: StatusDelivered}},
		},
	)
	if !equalIDs(res.Flagged, []string{"1", "2", "3"}) {
		t.Fatalf("unexpected flagged ids %v", res.Flagged)
	}
}

func TestStatusBeforeMessageIsBuffered(t *testing.T) {
	now := baseTime
	rec := NewReconciler(NewStatusBuffer(30*time.Second), func() time.Time { return now })

	res := rec.ApplyStatus(StatusUpdate{MessageID: "9", Status: StatusRead})
	if res.Buffered != 1 || rec.Len() != 0 {
		t.Fatalf("expected update to be buffered, got %+v", res)
	}
	rec.AddMessage(msgAt("9", 0, StatusSent))
	got, ok := rec.Get("9")
	if !ok || got.Status != StatusRead {
		t.Fatalf("expected buffered Read to apply on arrival, got %+v", got)
	}
}

func TestBufferedStatusExpires(t *testing.T) {
	now := baseTime
	buf := NewStatusBuffer(30 * time.Second)
	rec := NewReconciler(buf, func() time.Time { return now })
	rec.ApplyStatus(StatusUpdate{MessageID: "a", Status: StatusDelivered})
	rec.ApplyStatus(StatusUpdate{MessageID: "b", Status: StatusDelivered})

	if expired := buf.Prune(now.Add(10 * time.Second)); len(expired) != 0 {
		t.Fatalf("expected nothing expired yet, got %v", expired)
	}
	expired := buf.Prune(now.Add(30 * time.Second))
	if !equalIDs(expired, []string{"a", "b"}) {
		t.Fatalf("expected a and b to expire, got %v", expired)
	}
	rec.AddMessage(msgAt("a", 0, StatusSent))
	got, _ := rec.Get("a")
	if got.Status != StatusSent {
		t.Fatalf("expired update must not apply, got %s", got.Status)
	}
}

func TestSharedBufferServesEveryConversation(t *testing.T) {
	buf := NewStatusBuffer(time.Minute)
	bob := NewReconciler(buf, nil)
	carol := NewReconciler(buf, nil)

	if res := bob.ApplyStatus(StatusUpdate{MessageID: "7", Status: StatusDelivered}); res.Buffered != 1 {
		t.Fatalf("expected update to be buffered, got %+v", res)
	}
	carol.AddMessage(msgAt("7", 0, StatusSent))
	got, _ := carol.Get("7")
	if got.Status != StatusDelivered {
		t.Fatalf("expected shared buffered status to apply, got %s", got.Status)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer to be drained, got %d", buf.Len())
	}
}

func TestStatusBufferKeepsHighest(t *testing.T) {
	buf := NewStatusBuffer(time.Minute)
	buf.Add(StatusUpdate{MessageID: "x", Status: StatusRead}, baseTime)
	buf.Add(StatusUpdate{MessageID: "x", Status: StatusDelivered}, baseTime)
	status, ok := buf.Take("x")
	if !ok || status != StatusRead {
		t.Fatalf("expected Read, got %s (%v)", status, ok)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after take")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	rec := NewReconciler(nil, nil)
	rec.AddMessage(msgAt("1", 0, StatusSent))
	msgs := rec.Messages()
	msgs[0].Status = StatusRead
	got, _ := rec.Get("1")
	if got.Status != StatusSent {
		t.Fatalf("mutating the returned slice changed reconciler state")
	}
}
