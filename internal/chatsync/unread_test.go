package chatsync

import "testing"

func TestUnreadSnapshotReplacesWholesale(t *testing.T) {
	agg := NewUnreadAggregator()
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: 2}, {Peer: "carol", Unread: 1}})
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: 5}})

	if got := agg.Count("bob"); got != 5 {
		t.Fatalf("expected bob=5 after poll, got %d", got)
	}
	if agg.Known("carol") {
		t.Fatalf("expected carol to be forgotten after a poll without her")
	}
	if got := agg.Total(); got != 5 {
		t.Fatalf("expected total 5, got %d", got)
	}
}

func TestUnreadPushTouchesOnePeer(t *testing.T) {
	agg := NewUnreadAggregator()
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: 2}, {Peer: "carol", Unread: 1}})

	if !agg.ApplyPush(UnreadUpdate{Peer: "carol", Unread: 4}) {
		t.Fatalf("expected push to change state")
	}
	if agg.ApplyPush(UnreadUpdate{Peer: "carol", Unread: 4}) {
		t.Fatalf("expected identical push to be a no-op")
	}
	if got := agg.Count("bob"); got != 2 {
		t.Fatalf("push for carol changed bob: %d", got)
	}
	if got := agg.Count("carol"); got != 4 {
		t.Fatalf("expected carol=4, got %d", got)
	}

	agg.ApplyPush(UnreadUpdate{Peer: "dave", Unread: 1})
	snap := agg.Snapshot()
	if len(snap) != 3 || snap[2].Peer != "dave" {
		t.Fatalf("expected unknown peer appended, got %+v", snap)
	}
}

func TestUnreadCountsNeverNegative(t *testing.T) {
	agg := NewUnreadAggregator()
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: -3}, {Peer: "  ", Unread: 9}})
	if got := agg.Count("bob"); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	if len(agg.Snapshot()) != 1 {
		t.Fatalf("expected blank peer to be skipped")
	}
	agg.ApplyPush(UnreadUpdate{Peer: "bob", Unread: -1})
	if got := agg.Count("bob"); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	if agg.ApplyPush(UnreadUpdate{Peer: "", Unread: 3}) {
		t.Fatalf("expected push without peer to be ignored")
	}
}

// A poll completing after a push wins, even when the push was newer.
func TestUnreadPollAfterPushOverwrites(t *testing.T) {
	agg := NewUnreadAggregator()
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: 0}})
	agg.ApplyPush(UnreadUpdate{Peer: "bob", Unread: 1})
	agg.ReplaceSnapshot([]PeerUnread{{Peer: "bob", Unread: 0}})
	if got := agg.Count("bob"); got != 0 {
		t.Fatalf("expected poll to win, got %d", got)
	}
}
