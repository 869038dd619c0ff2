package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/chatsync/internal/channel"
	"go.uber.org/zap"
)

const (
	DefaultBotIdentity        = "whatsease_bot"
	DefaultUsersInterval      = 3 * time.Second
	DefaultActivityInterval   = 5 * time.Second
	DefaultStatusBufferWindow = 30 * time.Second
	DefaultIdleEviction       = 2 * time.Minute
	DefaultSweepInterval      = 5 * time.Second

	cacheSaveTimeout = 5 * time.Second
	eventBuffer      = 64
)

// API is the request/response collaborator.
type API interface {
	FetchHistory(ctx context.Context, peer string) ([]Message, error)
	SendMessage(ctx context.Context, peer, content string) (Message, error)
	FetchUsers(ctx context.Context) ([]PeerUnread, error)
	FetchActivity(ctx context.Context) ([]Activity, error)
	Me(ctx context.Context) (Profile, error)
}

type SessionOptions struct {
	// Identity skips the identity lookup when set.
	Identity           string
	BotIdentity        string
	ConnectTimeout     time.Duration
	UsersInterval      time.Duration
	ActivityInterval   time.Duration
	StatusBufferWindow time.Duration
	IdleEviction       time.Duration
	SweepInterval      time.Duration
	Cache              ConversationCache
	Logger             *zap.Logger
	Metrics            *Metrics
	// OnUnauthorized is called on its own goroutine when the server rejects
	// the credential.
	OnUnauthorized func(error)
	Now            func() time.Time
}

// Session owns every conversation, the unread aggregator and the activity
// feed. All of that state is touched only by the goroutine running Run;
// views and background round trips reach it by posting closures.
type Session struct {
	api       API
	transport Transport
	sender    *SendCoordinator
	tracker   *ReadTracker
	opts      SessionOptions
	logger    *zap.Logger
	metrics   *Metrics

	calls    chan func()
	done     chan struct{}
	running  atomic.Bool
	identity atomic.Value
	wg       sync.WaitGroup

	// Loop-owned below.
	ctx              context.Context
	me               string
	identityInFlight bool
	fetchSeq         uint64
	unauthorized     bool
	connecting       bool
	connectRejected  bool
	lastState        channel.State
	active           string
	opened           []string
	convs            map[string]*conversation
	unrouted         *StatusBuffer
	unread           *UnreadAggregator
	inboxErr         error
	inboxLoaded      bool
	inboxViews       map[*InboxView]struct{}
	users            *poller
	feed             *ActivityFeed
	activityViews    map[*ActivityView]struct{}
	activity         *poller
}

type conversation struct {
	peer        string
	rec         *Reconciler
	views       map[*ConversationView]struct{}
	loading     bool
	err         error
	touched     time.Time
	gen         uint64
	fetchCancel context.CancelFunc
	// unconfirmed holds ids seeded from the cache that the server has not
	// confirmed yet. They are displayed but never acknowledged.
	unconfirmed map[string]struct{}
}

func NewSession(api API, transport Transport, opts SessionOptions) (*Session, error) {
	if api == nil {
		return nil, errors.New("session: api is required")
	}
	if transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if strings.TrimSpace(opts.BotIdentity) == "" {
		opts.BotIdentity = DefaultBotIdentity
	}
	if opts.UsersInterval <= 0 {
		opts.UsersInterval = DefaultUsersInterval
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = DefaultActivityInterval
	}
	if opts.StatusBufferWindow <= 0 {
		opts.StatusBufferWindow = DefaultStatusBufferWindow
	}
	if opts.IdleEviction <= 0 {
		opts.IdleEviction = DefaultIdleEviction
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Identity = strings.TrimSpace(opts.Identity)

	s := &Session{
		api:       api,
		transport: transport,
		sender: NewSendCoordinator(transport, api, SendCoordinatorOptions{
			ConnectTimeout: opts.ConnectTimeout,
			Logger:         opts.Logger.Named("send"),
			Metrics:        opts.Metrics,
		}),
		tracker:       NewReadTracker(transport, opts.Logger.Named("read"), opts.Metrics),
		opts:          opts,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		calls:         make(chan func()),
		done:          make(chan struct{}),
		me:            opts.Identity,
		convs:         map[string]*conversation{},
		unrouted:      NewStatusBuffer(opts.StatusBufferWindow),
		unread:        NewUnreadAggregator(),
		inboxViews:    map[*InboxView]struct{}{},
		users:         &poller{source: "users", interval: opts.UsersInterval},
		feed:          NewActivityFeed(),
		activityViews: map[*ActivityView]struct{}{},
		activity:      &poller{source: "activity", interval: opts.ActivityInterval},
	}
	s.identity.Store(s.me)
	return s, nil
}

// Identity returns the resolved local identity, if any.
func (s *Session) Identity() (string, bool) {
	me, _ := s.identity.Load().(string)
	return me, me != ""
}

func (s *Session) BotIdentity() string {
	return s.opts.BotIdentity
}

// Done is closed once Run has returned and every background call finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes events until ctx is canceled. It returns nil on a clean
// shutdown and may only be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	events, release := s.transport.Subscribe(eventBuffer)
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer func() {
		sweep.Stop()
		release()
		s.teardown()
		cancel()
		close(s.done)
		s.wg.Wait()
	}()

	s.lastState = s.transport.State()
	s.resolveIdentity()
	s.connect()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case fn := <-s.calls:
			fn()
		case ev := <-events:
			s.handleEvent(ev)
		case <-s.users.C():
			pollOnce(s, s.users, s.api.FetchUsers, s.applyUsers)
		case <-s.activity.C():
			pollOnce(s, s.activity, s.api.FetchActivity, s.applyActivity)
		case now := <-sweep.C:
			s.sweep(now)
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.calls <- call:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post hands a completion back to the loop; it is dropped once the loop has
// exited.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.done:
	}
}

func (s *Session) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) readContext() ReadContext {
	return ReadContext{Me: s.me, Active: s.active}
}

func (s *Session) setIdentity(me string) {
	s.me = me
	s.identity.Store(me)
	s.publishAll()
}

func (s *Session) resolveIdentity() {
	if s.me != "" || s.identityInFlight || s.unauthorized {
		return
	}
	s.identityInFlight = true
	ctx := s.ctx
	s.goBackground(func() {
		profile, err := s.api.Me(ctx)
		s.post(func() { s.identityResolved(profile, err) })
	})
}

func (s *Session) identityResolved(profile Profile, err error) {
	s.identityInFlight = false
	if err != nil {
		err = requestError("identity lookup", err)
		s.noteFailure(err)
		s.logger.Debug("identity unresolved", zap.Error(err))
		return
	}
	if profile.Email == "" || s.unauthorized {
		return
	}
	s.logger.Info("identity resolved", zap.String("identity", profile.Email))
	s.setIdentity(profile.Email)
	for _, conv := range s.convs {
		s.observe(conv, nil, true)
		s.publishConversation(conv)
	}
}

// noteFailure clears the assumed identity when err is an authorization
// failure. Other failures are left to the caller.
func (s *Session) noteFailure(err error) {
	if !errors.Is(err, ErrUnauthorized) || s.unauthorized {
		return
	}
	s.unauthorized = true
	s.logger.Warn("credential rejected; dropping identity", zap.Error(err))
	s.setIdentity("")
	if hook := s.opts.OnUnauthorized; hook != nil {
		s.goBackground(func() { hook(err) })
	}
}

func (s *Session) connect() {
	if s.connecting || s.connectRejected {
		return
	}
	switch s.transport.State() {
	case channel.Connected, channel.Connecting:
		return
	}
	s.connecting = true
	ctx := s.ctx
	s.goBackground(func() {
		err := s.transport.Connect(ctx)
		s.post(func() { s.connected(err) })
	})
}

func (s *Session) connected(err error) {
	s.connecting = false
	if err == nil {
		s.channelUp()
		return
	}
	var rejected *channel.RejectedError
	if errors.As(err, &rejected) {
		s.connectRejected = true
		s.noteFailure(newError(KindUnauthorized, "connect", err))
		return
	}
	if !errors.Is(err, context.Canceled) {
		s.logger.Info("channel unavailable", zap.Error(err))
	}
}

// channelUp re-observes the active conversation so read acknowledgments
// that failed while disconnected go out again.
func (s *Session) channelUp() {
	s.lastState = channel.Connected
	if conv, ok := s.convs[s.active]; ok {
		s.observe(conv, nil, true)
		s.publishConversation(conv)
	}
}

func (s *Session) conversation(peer string) *conversation {
	conv, ok := s.convs[peer]
	if !ok {
		conv = &conversation{
			peer:    peer,
			rec:         NewReconciler(s.unrouted, s.opts.Now),
			views:       map[*ConversationView]struct{}{},
			touched:     s.opts.Now(),
			unconfirmed: map[string]struct{}{},
		}
		s.convs[peer] = conv
	}
	return conv
}

// routeMessage picks the conversation a message belongs to. Until the local
// identity is known every message is treated as someone else's and filed
// under its sender, unless only the recipient's conversation exists.
func (s *Session) routeMessage(msg Message) string {
	if s.me != "" {
		switch {
		case msg.Sender == s.me:
			return msg.Recipient
		case msg.Recipient == s.me:
			return msg.Sender
		default:
			return ""
		}
	}
	_, haveSender := s.convs[msg.Sender]
	_, haveRecipient := s.convs[msg.Recipient]
	if haveRecipient && !haveSender {
		return msg.Recipient
	}
	return msg.Sender
}

func (s *Session) handleEvent(raw channel.Event) {
	ev, err := DecodeEvent(raw.Name, raw.Payload)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			s.logger.Debug("ignoring event", zap.String("event", raw.Name))
			return
		}
		s.metrics.dropped("malformed")
		s.logger.Warn("dropping malformed event", zap.String("event", raw.Name), zap.Error(err))
		return
	}
	switch ev.Name {
	case EventMessage:
		s.addMessage(ev.Message)
	case EventStatus:
		s.applyStatus(ev.Status)
	case EventUnread:
		if len(s.inboxViews) == 0 {
			s.logger.Debug("unread update without inbox", zap.String("peer", ev.Unread.Peer))
			return
		}
		if s.unread.ApplyPush(ev.Unread) {
			s.publishInbox()
		}
	}
}

// addMessage files an inbound message under its conversation, creating the
// conversation when needed.
func (s *Session) addMessage(msg Message) {
	peer := s.routeMessage(msg)
	if peer == "" {
		s.metrics.dropped("foreign")
		s.logger.Debug("message for another user", zap.String("message_id", msg.ID))
		return
	}
	conv := s.conversation(peer)
	conv.touched = s.opts.Now()
	_, wasUnconfirmed := conv.unconfirmed[msg.ID]
	delete(conv.unconfirmed, msg.ID)
	res := conv.rec.AddMessage(msg)
	if !res.Changed() && !wasUnconfirmed {
		return
	}
	s.observe(conv, []string{msg.ID}, false)
	s.publishConversation(conv)
}

// applyStatus finds the conversation holding the message. Updates for
// messages not seen yet wait in the unrouted buffer, which every
// conversation's reconciler drains as messages arrive.
func (s *Session) applyStatus(update StatusUpdate) {
	for _, conv := range s.convs {
		if !conv.rec.Contains(update.MessageID) {
			continue
		}
		conv.touched = s.opts.Now()
		res := conv.rec.ApplyStatus(update)
		if res.Changed() {
			s.observe(conv, res.Flagged, false)
			s.publishConversation(conv)
		}
		return
	}
	s.unrouted.Add(update, s.opts.Now())
}

// observe runs the read tracker over ids, or over the whole conversation
// when all is set. Cache-seeded messages are skipped until the server
// confirms them. Callers publish afterwards.
func (s *Session) observe(conv *conversation, ids []string, all bool) {
	if all {
		msgs := conv.rec.Messages()
		ids = make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
		}
	}
	if len(conv.unconfirmed) > 0 {
		confirmed := ids[:0:0]
		for _, id := range ids {
			if _, ok := conv.unconfirmed[id]; !ok {
				confirmed = append(confirmed, id)
			}
		}
		ids = confirmed
	}
	if len(ids) == 0 {
		return
	}
	s.tracker.Observe(s.ctx, s.readContext(), conv.peer, conv.rec, ids)
}

func (s *Session) attachConversation(v *ConversationView) {
	conv := s.conversation(v.peer)
	conv.views[v] = struct{}{}
	conv.touched = s.opts.Now()
	s.raise(v.peer)
	if len(conv.views) == 1 {
		s.fetchHistory(conv)
	}
	s.observe(conv, nil, true)
	s.publishConversation(conv)
}

func (s *Session) detachConversation(v *ConversationView) {
	conv, ok := s.convs[v.peer]
	if !ok {
		return
	}
	delete(conv.views, v)
	if len(conv.views) > 0 {
		return
	}
	wasActive := s.active == v.peer
	s.lower(v.peer)
	s.evict(conv)
	if !wasActive {
		return
	}
	if next, ok := s.convs[s.active]; ok {
		s.observe(next, nil, true)
		s.publishConversation(next)
	}
}

// raise makes peer the active conversation. opened keeps every peer with an
// open view, most recently opened last.
func (s *Session) raise(peer string) {
	s.lower(peer)
	s.opened = append(s.opened, peer)
	s.active = peer
}

// lower forgets peer and hands the active role to the most recently opened
// conversation that still has a view.
func (s *Session) lower(peer string) {
	for i, p := range s.opened {
		if p == peer {
			s.opened = append(s.opened[:i], s.opened[i+1:]...)
			break
		}
	}
	s.active = ""
	if n := len(s.opened); n > 0 {
		s.active = s.opened[n-1]
	}
}

func (s *Session) fetchHistory(conv *conversation) {
	if conv.fetchCancel != nil {
		conv.fetchCancel()
	}
	s.fetchSeq++
	conv.gen = s.fetchSeq
	gen, peer, me, cache := conv.gen, conv.peer, s.me, s.opts.Cache
	ctx, cancel := context.WithCancel(s.ctx)
	conv.fetchCancel = cancel
	conv.loading = true
	s.goBackground(func() {
		defer cancel()
		if cache != nil && me != "" {
			cached, err := cache.Load(ctx, me, peer)
			if err != nil {
				s.logger.Warn("conversation cache load failed", zap.String("peer", peer), zap.Error(err))
			} else if len(cached) > 0 {
				s.post(func() { s.historyLoaded(peer, gen, cached, nil, false) })
			}
		}
		history, err := s.api.FetchHistory(ctx, peer)
		s.post(func() { s.historyLoaded(peer, gen, history, err, true) })
	})
}

func (s *Session) historyLoaded(peer string, gen uint64, history []Message, err error, final bool) {
	conv, ok := s.convs[peer]
	if !ok || conv.gen != gen {
		return
	}
	if final {
		conv.loading = false
		conv.fetchCancel = nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		err = requestError("fetch history", err)
		s.noteFailure(err)
		conv.err = err
		s.logger.Warn("history fetch failed", zap.String("peer", peer), zap.Error(err))
		s.publishConversation(conv)
		return
	}
	var seeded []string
	if final {
		conv.err = nil
		clear(conv.unconfirmed)
	} else {
		for _, msg := range history {
			if msg.ID != "" && !conv.rec.Contains(msg.ID) {
				seeded = append(seeded, msg.ID)
			}
		}
	}
	res := conv.rec.Merge(history, nil)
	for _, id := range seeded {
		conv.unconfirmed[id] = struct{}{}
	}
	if res.Discarded > 0 {
		s.metrics.dropped("malformed")
		s.logger.Warn("history contained malformed messages",
			zap.String("peer", peer),
			zap.Int("discarded", res.Discarded))
	}
	s.observe(conv, nil, true)
	s.publishConversation(conv)
}

func (s *Session) evict(conv *conversation) {
	if conv.fetchCancel != nil {
		conv.fetchCancel()
		conv.fetchCancel = nil
	}
	delete(s.convs, conv.peer)
	cache, me := s.opts.Cache, s.me
	if cache == nil || me == "" || conv.rec.Len() == 0 {
		return
	}
	msgs := conv.rec.Messages()
	s.goBackground(func() {
		s.saveConversation(cache, me, conv.peer, msgs)
	})
}

func (s *Session) saveConversation(cache ConversationCache, me, peer string, msgs []Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheSaveTimeout)
	defer cancel()
	if err := cache.Save(ctx, me, peer, msgs); err != nil {
		s.logger.Warn("conversation cache save failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (s *Session) sweep(now time.Time) {
	for _, id := range s.unrouted.Prune(now) {
		s.metrics.dropped("status_expired")
		s.logger.Debug("status update expired", zap.String("message_id", id))
	}
	for _, conv := range s.convs {
		if len(conv.views) == 0 && now.Sub(conv.touched) >= s.opts.IdleEviction {
			s.evict(conv)
		}
	}
	s.resolveIdentity()
	state := s.transport.State()
	if state == channel.Connected && s.lastState != channel.Connected {
		s.channelUp()
	}
	s.lastState = state
	s.connect()
}

// teardown stops pollers and fetches and saves what is still in memory.
func (s *Session) teardown() {
	s.users.stop()
	s.activity.stop()
	cache, me := s.opts.Cache, s.me
	for _, conv := range s.convs {
		if conv.fetchCancel != nil {
			conv.fetchCancel()
		}
		if cache != nil && me != "" && conv.rec.Len() > 0 {
			s.saveConversation(cache, me, conv.peer, conv.rec.Messages())
		}
	}
	s.convs = map[string]*conversation{}
	s.opened = nil
	s.active = ""
}

func (s *Session) appendSent(peer string, msg Message) {
	conv, ok := s.convs[peer]
	if !ok {
		return
	}
	conv.touched = s.opts.Now()
	if conv.rec.AddMessage(msg).Changed() {
		s.publishConversation(conv)
	}
}

func (s *Session) attachInbox(v *InboxView) {
	s.inboxViews[v] = struct{}{}
	if len(s.inboxViews) == 1 {
		s.unread = NewUnreadAggregator()
		s.inboxErr = nil
		s.inboxLoaded = false
		s.users.start(s.ctx)
		pollOnce(s, s.users, s.api.FetchUsers, s.applyUsers)
	}
	offer(v.updates, s.inboxSnapshot())
}

func (s *Session) detachInbox(v *InboxView) {
	delete(s.inboxViews, v)
	if len(s.inboxViews) == 0 {
		s.users.stop()
	}
}

func (s *Session) applyUsers(users []PeerUnread, err error) {
	if err != nil {
		err = requestError("fetch users", err)
		s.noteFailure(err)
		s.inboxErr = err
		s.logger.Warn("users poll failed", zap.Error(err))
	} else {
		s.unread.ReplaceSnapshot(users)
		s.inboxErr = nil
		s.inboxLoaded = true
	}
	s.publishInbox()
}

func (s *Session) attachActivity(v *ActivityView) {
	s.activityViews[v] = struct{}{}
	if len(s.activityViews) == 1 {
		s.feed = NewActivityFeed()
		s.activity.start(s.ctx)
		pollOnce(s, s.activity, s.api.FetchActivity, s.applyActivity)
	}
	offer(v.updates, s.feed.Snapshot())
}

func (s *Session) detachActivity(v *ActivityView) {
	delete(s.activityViews, v)
	if len(s.activityViews) == 0 {
		s.activity.stop()
	}
}

func (s *Session) applyActivity(entries []Activity, err error) {
	if err != nil {
		err = requestError("fetch activity", err)
		s.noteFailure(err)
		s.feed.Fail(err)
		s.logger.Warn("activity poll failed", zap.Error(err))
	} else {
		s.feed.Replace(entries)
	}
	snap := s.feed.Snapshot()
	for v := range s.activityViews {
		offer(v.updates, snap)
	}
}

func (s *Session) conversationSnapshot(conv *conversation) ConversationSnapshot {
	return ConversationSnapshot{
		Peer:     conv.peer,
		Me:       s.me,
		Bot:      conv.peer == s.opts.BotIdentity,
		Messages: conv.rec.Messages(),
		Loading:  conv.loading,
		Err:      conv.err,
	}
}

func (s *Session) publishConversation(conv *conversation) {
	if len(conv.views) == 0 {
		return
	}
	snap := s.conversationSnapshot(conv)
	for v := range conv.views {
		offer(v.updates, snap)
	}
}

func (s *Session) inboxSnapshot() InboxSnapshot {
	return InboxSnapshot{
		Me:      s.me,
		Bot:     s.opts.BotIdentity,
		Peers:   s.unread.Snapshot(),
		Total:   s.unread.Total(),
		Loading: !s.inboxLoaded && s.inboxErr == nil,
		Err:     s.inboxErr,
	}
}

func (s *Session) publishInbox() {
	if len(s.inboxViews) == 0 {
		return
	}
	snap := s.inboxSnapshot()
	for v := range s.inboxViews {
		offer(v.updates, snap)
	}
}

func (s *Session) publishAll() {
	for _, conv := range s.convs {
		s.publishConversation(conv)
	}
	s.publishInbox()
}

// offer replaces any unread snapshot in ch with v. The loop is the only
// sender, so the send after draining never blocks.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// poller drives one periodic refresh. A completion carrying an old
// generation belongs to a stopped run and is ignored.
type poller struct {
	source   string
	interval time.Duration
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	gen      uint64
	inFlight bool
}

func (p *poller) start(parent context.Context) {
	p.stop()
	p.ctx, p.cancel = context.WithCancel(parent)
	p.ticker = time.NewTicker(p.interval)
	p.gen++
}

func (p *poller) stop() {
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	p.ticker = nil
	p.cancel()
	p.gen++
	p.inFlight = false
}

func (p *poller) C() <-chan time.Time {
	if p.ticker == nil {
		return nil
	}
	return p.ticker.C
}

// pollOnce issues one fetch unless the previous one is still running.
func pollOnce[T any](s *Session, p *poller, fetch func(context.Context) (T, error), apply func(T, error)) {
	if p.ticker == nil || p.inFlight {
		return
	}
	p.inFlight = true
	gen, ctx := p.gen, p.ctx
	s.goBackground(func() {
		v, err := fetch(ctx)
		s.post(func() {
			if p.gen != gen {
				return
			}
			p.inFlight = false
			s.metrics.poll(p.source, err)
			apply(v, err)
		})
	})
}
