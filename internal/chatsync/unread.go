package chatsync

import "strings"

// UnreadAggregator keeps one non-negative unread count per peer. A poll
// replaces the whole snapshot and a push replaces one peer's entry; the
// later write wins either way. A poll whose request was issued before a push
// but completes after it overwrites that push until the next update.
type UnreadAggregator struct {
	counts map[string]int
	order  []string
}

func NewUnreadAggregator() *UnreadAggregator {
	return &UnreadAggregator{counts: map[string]int{}}
}

// ReplaceSnapshot installs a polled listing. Peers missing from it are
// forgotten and the listing order is kept for display.
func (a *UnreadAggregator) ReplaceSnapshot(entries []PeerUnread) {
	counts := make(map[string]int, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		peer := strings.TrimSpace(e.Peer)
		if peer == "" {
			continue
		}
		if _, dup := counts[peer]; !dup {
			order = append(order, peer)
		}
		counts[peer] = clampUnread(e.Unread)
	}
	a.counts = counts
	a.order = order
}

// ApplyPush updates a single peer. Unknown peers are appended. It reports
// whether anything changed.
func (a *UnreadAggregator) ApplyPush(update UnreadUpdate) bool {
	peer := strings.TrimSpace(update.Peer)
	if peer == "" {
		return false
	}
	n := clampUnread(update.Unread)
	current, ok := a.counts[peer]
	if ok && current == n {
		return false
	}
	if !ok {
		a.order = append(a.order, peer)
	}
	a.counts[peer] = n
	return true
}

func (a *UnreadAggregator) Count(peer string) int {
	return a.counts[strings.TrimSpace(peer)]
}

func (a *UnreadAggregator) Known(peer string) bool {
	_, ok := a.counts[strings.TrimSpace(peer)]
	return ok
}

// Snapshot returns the entries in listing order.
func (a *UnreadAggregator) Snapshot() []PeerUnread {
	out := make([]PeerUnread, 0, len(a.order))
	for _, peer := range a.order {
		out = append(out, PeerUnread{Peer: peer, Unread: a.counts[peer]})
	}
	return out
}

// Total sums every peer's count.
func (a *UnreadAggregator) Total() int {
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

func clampUnread(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
