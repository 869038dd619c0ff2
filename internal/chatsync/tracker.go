package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// ReadContext is everything the read decision depends on: who the local
// user is and which conversation the user is actively looking at.
type ReadContext struct {
	Me     string
	Active string
}

// ShouldAcknowledge reports whether msg, living in the conversation with
// peer, must be acknowledged as read. It is a pure function of its inputs.
func ShouldAcknowledge(rc ReadContext, peer string, msg Message) bool {
	if rc.Me == "" || rc.Active == "" || rc.Active != peer {
		return false
	}
	return msg.Recipient == rc.Me && msg.Status != StatusRead
}

// Emitter is the slice of the Transport Channel the tracker needs.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// ReadTracker advances delivery status on the recipient side and emits one
// mark_read per message entering Read. An ack that fails to emit leaves the
// message unread so the next observation retries it.
type ReadTracker struct {
	emitter Emitter
	logger  *zap.Logger
	metrics *Metrics
}

func NewReadTracker(emitter Emitter, logger *zap.Logger, metrics *Metrics) *ReadTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadTracker{emitter: emitter, logger: logger, metrics: metrics}
}

// Observe processes ids in rec that were just added, advanced or
// (re)displayed, returning the ids acknowledged as read.
func (t *ReadTracker) Observe(ctx context.Context, rc ReadContext, peer string, rec *Reconciler, ids []string) []string {
	var acked []string
	for _, id := range ids {
		msg, ok := rec.Get(id)
		if !ok {
			continue
		}
		if rc.Me != "" && msg.Recipient == rc.Me && msg.Status == StatusSent {
			rec.ApplyStatus(StatusUpdate{MessageID: id, Status: StatusDelivered})
			msg.Status = StatusDelivered
		}
		if !ShouldAcknowledge(rc, peer, msg) {
			continue
		}
		if err := t.emitter.Emit(ctx, EmitMarkRead, markRead(id)); err != nil {
			t.metrics.readAck("failed")
			t.logger.Debug("read acknowledgment not sent",
				zap.String("peer", peer),
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		rec.ApplyStatus(StatusUpdate{MessageID: id, Status: StatusRead})
		t.metrics.readAck("sent")
		acked = append(acked, id)
	}
	return acked
}

// ObserveAll re-examines every message, used when a conversation becomes
// active or the local identity resolves.
func (t *ReadTracker) ObserveAll(ctx context.Context, rc ReadContext, peer string, rec *Reconciler) []string {
	msgs := rec.Messages()
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return t.Observe(ctx, rc, peer, rec, ids)
}
