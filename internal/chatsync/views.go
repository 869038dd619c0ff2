package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ConversationSnapshot is an immutable picture of one conversation. Callers
// must not modify Messages.
type ConversationSnapshot struct {
	Peer     string
	Me       string
	Bot      bool
	Messages []Message
	Loading  bool
	Err      error
}

// IsMine reports whether msg was sent by the local user. Before the identity
// resolves every message counts as someone else's.
func (s ConversationSnapshot) IsMine(msg Message) bool {
	return s.Me != "" && msg.Sender == s.Me
}

type InboxSnapshot struct {
	Me      string
	Bot     string
	Peers   []PeerUnread
	Total   int
	Loading bool
	Err     error
}

type ActivitySnapshot struct {
	Entries []Activity
	Loading bool
	Err     error
}

// ConversationView is one observer of a conversation. Updates delivers the
// latest snapshot; intermediate ones may be skipped. The draft is owned by
// the caller and is not safe for concurrent use.
type ConversationView struct {
	session   *Session
	peer      string
	updates   chan ConversationSnapshot
	draft     string
	closeOnce sync.Once
}

// OpenConversation attaches a view to the conversation with peer and makes it
// the active conversation. Run must be running.
func (s *Session) OpenConversation(ctx context.Context, peer string) (*ConversationView, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return nil, errors.New("open conversation: peer is required")
	}
	v := &ConversationView{
		session: s,
		peer:    peer,
		updates: make(chan ConversationSnapshot, 1),
	}
	if err := s.do(ctx, func() { s.attachConversation(v) }); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *ConversationView) Peer() string { return v.peer }

func (v *ConversationView) Updates() <-chan ConversationSnapshot { return v.updates }

func (v *ConversationView) SetDraft(text string) { v.draft = text }

func (v *ConversationView) Draft() string { return v.draft }

// Submit sends the current draft. The draft is cleared on every terminal
// outcome, failures included; empty content leaves it untouched.
func (v *ConversationView) Submit(ctx context.Context) (SendOutcome, error) {
	outcome, err := v.Send(ctx, v.draft)
	if !errors.Is(err, ErrEmptyContent) {
		v.draft = ""
	}
	return outcome, err
}

// Send delivers content to the view's peer. A message created by the
// fallback path is added to the conversation before Send returns.
func (v *ConversationView) Send(ctx context.Context, content string) (SendOutcome, error) {
	s := v.session
	outcome, err := s.sender.Send(ctx, v.peer, content)
	switch {
	case errors.Is(err, ErrEmptyContent):
	case outcome.Path == SendViaFallback:
		msg := outcome.Message
		_ = s.do(context.WithoutCancel(ctx), func() { s.appendSent(v.peer, msg) })
	case err != nil:
		_ = s.do(context.WithoutCancel(ctx), func() { s.noteFailure(err) })
	}
	return outcome, err
}

// Close detaches the view. No snapshot, status change or read
// acknowledgment is produced for it afterwards and Updates is closed.
func (v *ConversationView) Close() {
	v.closeOnce.Do(func() {
		s := v.session
		_ = s.do(context.Background(), func() { s.detachConversation(v) })
		close(v.updates)
	})
}

type InboxView struct {
	session   *Session
	updates   chan InboxSnapshot
	closeOnce sync.Once
}

// OpenInbox attaches an inbox view. The first one starts the unread poll;
// closing the last one stops it.
func (s *Session) OpenInbox(ctx context.Context) (*InboxView, error) {
	v := &InboxView{session: s, updates: make(chan InboxSnapshot, 1)}
	if err := s.do(ctx, func() { s.attachInbox(v) }); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *InboxView) Updates() <-chan InboxSnapshot { return v.updates }

func (v *InboxView) Close() {
	v.closeOnce.Do(func() {
		s := v.session
		_ = s.do(context.Background(), func() { s.detachInbox(v) })
		close(v.updates)
	})
}

type ActivityView struct {
	session   *Session
	updates   chan ActivitySnapshot
	closeOnce sync.Once
}

func (s *Session) OpenActivity(ctx context.Context) (*ActivityView, error) {
	v := &ActivityView{session: s, updates: make(chan ActivitySnapshot, 1)}
	if err := s.do(ctx, func() { s.attachActivity(v) }); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *ActivityView) Updates() <-chan ActivitySnapshot { return v.updates }

func (v *ActivityView) Close() {
	v.closeOnce.Do(func() {
		s := v.session
		_ = s.do(context.Background(), func() { s.detachActivity(v) })
		close(v.updates)
	})
}
