package chatsync

import (
	"sort"
	"time"
)

// StatusBuffer holds status updates that arrived before the message they
// refer to. Entries older than the window are dropped by Prune.
type StatusBuffer struct {
	window  time.Duration
	pending map[string]bufferedStatus
}

type bufferedStatus struct {
	status   Status
	received time.Time
}

func NewStatusBuffer(window time.Duration) *StatusBuffer {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &StatusBuffer{window: window, pending: map[string]bufferedStatus{}}
}

// Add keeps the highest status seen for the id.
func (b *StatusBuffer) Add(update StatusUpdate, now time.Time) {
	current, ok := b.pending[update.MessageID]
	if ok && current.status >= update.Status {
		return
	}
	b.pending[update.MessageID] = bufferedStatus{status: update.Status, received: now}
}

func (b *StatusBuffer) Take(id string) (Status, bool) {
	entry, ok := b.pending[id]
	if !ok {
		return StatusUnknown, false
	}
	delete(b.pending, id)
	return entry.status, true
}

// Prune removes expired entries and returns their ids in sorted order.
func (b *StatusBuffer) Prune(now time.Time) []string {
	var expired []string
	for id, entry := range b.pending {
		if now.Sub(entry.received) >= b.window {
			expired = append(expired, id)
			delete(b.pending, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func (b *StatusBuffer) Len() int {
	return len(b.pending)
}

type entry struct {
	msg Message
	seq uint64
}

// Reconciler merges fetched history and streamed events for one
// conversation into a duplicate-free sequence ordered by timestamp, ties
// broken by arrival order. It is not safe for concurrent use; the Session
// loop owns it.
type Reconciler struct {
	entries []*entry
	byID    map[string]*entry
	nextSeq uint64
	buffer  *StatusBuffer
	now     func() time.Time
}

// MergeResult reports what one merge changed. Flagged lists ids that were
// added or whose status advanced, in sequence order, for the read tracker.
type MergeResult struct {
	Added     int
	Advanced  int
	Buffered  int
	Discarded int
	Flagged   []string
}

func (r MergeResult) Changed() bool {
	return r.Added > 0 || r.Advanced > 0
}

// NewReconciler builds an empty conversation. Status updates for unknown
// messages wait in buffer, which may be shared by every conversation of a
// session; a nil buffer gets a private one with the default window.
func NewReconciler(buffer *StatusBuffer, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if buffer == nil {
		buffer = NewStatusBuffer(0)
	}
	return &Reconciler{
		byID:   map[string]*entry{},
		buffer: buffer,
		now:    now,
	}
}

// Merge applies a history batch followed by live events. It may be called
// repeatedly; a malformed item is discarded without aborting the batch.
func (r *Reconciler) Merge(history []Message, events []Event) MergeResult {
	var res MergeResult
	flagged := map[string]struct{}{}
	for _, msg := range history {
		r.addInto(&res, flagged, msg)
	}
	for _, ev := range events {
		switch ev.Name {
		case EventMessage:
			r.addInto(&res, flagged, ev.Message)
		case EventStatus:
			r.applyInto(&res, flagged, ev.Status)
		default:
			res.Discarded++
		}
	}
	res.Flagged = r.orderedIDs(flagged)
	return res
}

func (r *Reconciler) AddMessage(msg Message) MergeResult {
	return r.Merge([]Message{msg}, nil)
}

func (r *Reconciler) ApplyStatus(update StatusUpdate) MergeResult {
	return r.Merge(nil, []Event{{Name: EventStatus, Status: update}})
}

func (r *Reconciler) addInto(res *MergeResult, flagged map[string]struct{}, msg Message) {
	if msg.ID == "" {
		res.Discarded++
		return
	}
	if msg.Status == StatusUnknown {
		msg.Status = StatusSent
	}
	if existing, ok := r.byID[msg.ID]; ok {
		// Duplicate deliveries never add an entry; they may only advance status.
		if msg.Status > existing.msg.Status {
			existing.msg.Status = msg.Status
			res.Advanced++
			flagged[msg.ID] = struct{}{}
		}
		return
	}
	if buffered, ok := r.buffer.Take(msg.ID); ok && buffered > msg.Status {
		msg.Status = buffered
	}
	e := &entry{msg: msg, seq: r.nextSeq}
	r.nextSeq++
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].msg.Timestamp.After(msg.Timestamp)
	})
	r.entries = append(r.entries, nil)
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = e
	r.byID[msg.ID] = e
	res.Added++
	flagged[msg.ID] = struct{}{}
}

func (r *Reconciler) applyInto(res *MergeResult, flagged map[string]struct{}, update StatusUpdate) {
	if update.MessageID == "" || update.Status == StatusUnknown {
		res.Discarded++
		return
	}
	existing, ok := r.byID[update.MessageID]
	if !ok {
		r.buffer.Add(update, r.now())
		res.Buffered++
		return
	}
	if update.Status <= existing.msg.Status {
		return
	}
	existing.msg.Status = update.Status
	res.Advanced++
	flagged[update.MessageID] = struct{}{}
}

func (r *Reconciler) orderedIDs(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for _, e := range r.entries {
		if _, ok := set[e.msg.ID]; ok {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

func (r *Reconciler) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Reconciler) Get(id string) (Message, bool) {
	e, ok := r.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Messages returns a copy of the ordered sequence.
func (r *Reconciler) Messages() []Message {
	out := make([]Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.msg
	}
	return out
}

func (r *Reconciler) Len() int {
	return len(r.entries)
}
