package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
	ErrQueueFull    = errors.New("channel write queue full")
)

// RejectedError is returned when the server refuses the namespace connect,
// typically because the bearer credential is invalid.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "connection rejected"
	}
	return fmt.Sprintf("connection rejected: %s", e.Reason)
}

type Options struct {
	// URL is the server base, e.g. http://127.0.0.1:8000. ws/wss schemes are accepted.
	URL        string
	Path       string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger

	Reconnect          bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	WriteQueueSize     int
	ReadLimit          int64
}

// Channel is a Socket.IO client over a single websocket. It owns its
// connection state; callers observe it through State and Subscribe.
type Channel struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	reconnect      bool
	baseDelay      time.Duration
	maxDelay       time.Duration
	writeQueueSize int
	readLimit      int64

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	state        State
	closed       bool
	attempt      *connectAttempt
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	outbound     chan []byte
	subs         map[*subscription]struct{}
	reconnecting bool
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type subscription struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) (*Channel, error) {
	endpoint, err := buildEndpoint(opts.URL, opts.Path, opts.Token)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDelay := opts.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	queueSize := opts.WriteQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Channel{
		url:            endpoint,
		token:          strings.TrimSpace(opts.Token),
		httpClient:     opts.HTTPClient,
		logger:         logger.With(zap.String("component", "channel")),
		reconnect:      opts.Reconnect,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		writeQueueSize: queueSize,
		readLimit:      readLimit,
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
		subs:           map[*subscription]struct{}{},
	}, nil
}

func buildEndpoint(rawURL, path, token string) (string, error) {
	rawURL = strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if rawURL == "" {
		rawURL = "http://127.0.0.1:8000"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parse channel url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported channel url scheme %q", u.Scheme)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if token = strings.TrimSpace(token); token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. It returns immediately when already
// connected and joins an in-flight attempt when one is running.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if c.state == Connecting && c.attempt != nil {
		att := c.attempt
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	c.attempt = att
	c.state = Connecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		if c.closed {
			c.state = Disconnected
		} else {
			c.state = Errored
		}
	}
	att.err = err
	c.attempt = nil
	close(att.done)
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug("connect failed", zap.Error(err))
	}
	return err
}

func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Correlation-Id", "chan_"+uuid.NewString())
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return errors.Wrap(err, "dial channel")
	}
	conn.SetReadLimit(c.readLimit)

	open, err := c.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(c.lifeCtx)
	out := make(chan []byte, c.writeQueueSize)
	c.conn = conn
	c.connCancel = cancel
	c.outbound = out
	c.state = Connected
	c.wg.Add(2)
	c.mu.Unlock()

	idle := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	go c.readLoop(runCtx, conn, idle)
	go c.writeLoop(runCtx, conn, out)
	c.logger.Info("channel connected", zap.String("sid", open.SID))
	return nil
}

func (c *Channel) handshake(ctx context.Context, conn *websocket.Conn) (openPayload, error) {
	var open openPayload
	_, data, err := conn.Read(ctx)
	if err != nil {
		return open, errors.Wrap(err, "read open packet")
	}
	f, err := decodeFrame(data)
	if err != nil {
		return open, err
	}
	if f.engine != engineOpen {
		return open, fmt.Errorf("expected open packet, got %q", f.engine)
	}
	if err := json.Unmarshal(f.body, &open); err != nil {
		return open, errors.Wrap(err, "decode open packet")
	}

	var auth any
	if c.token != "" {
		auth = map[string]string{"token": c.token}
	}
	connect, err := encodeConnect(auth)
	if err != nil {
		return open, err
	}
	if err := conn.Write(ctx, websocket.MessageText, connect); err != nil {
		return open, errors.Wrap(err, "write connect packet")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return open, errors.Wrap(err, "read connect ack")
		}
		f, err := decodeFrame(data)
		if err != nil {
			return open, err
		}
		switch {
		case f.engine == enginePing:
			if err := conn.Write(ctx, websocket.MessageText, encodePong()); err != nil {
				return open, errors.Wrap(err, "write pong")
			}
		case f.engine == engineMessage && f.socket == socketConnect:
			return open, nil
		case f.engine == engineMessage && f.socket == socketConnectError:
			return open, &RejectedError{Reason: decodeConnectError(f.body)}
		case f.engine == engineClose:
			return open, fmt.Errorf("server closed during handshake")
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, idle time.Duration) {
	defer c.wg.Done()
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, idle)
		}
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			c.drop(conn, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding undecodable frame", zap.Error(err))
			continue
		}
		switch f.engine {
		case enginePing:
			c.enqueue(encodePong())
		case engineClose:
			c.drop(conn, fmt.Errorf("server closed connection"))
			return
		case engineMessage:
			switch f.socket {
			case socketEvent:
				ev, err := decodeEvent(f.body)
				if err != nil {
					c.logger.Warn("discarding malformed event packet", zap.Error(err))
					continue
				}
				c.fanout(ctx, ev)
			case socketDisconnect:
				c.drop(conn, fmt.Errorf("server disconnected namespace"))
				return
			}
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.drop(conn, err)
				return
			}
		}
	}
}

func (c *Channel) enqueue(data []byte) bool {
	c.mu.Lock()
	out := c.outbound
	c.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- data:
		return true
	default:
		return false
	}
}

// fanout delivers in arrival order. A slow subscriber applies backpressure
// to the read loop rather than losing events.
func (c *Channel) fanout(ctx context.Context, ev Event) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connCancel()
	c.conn = nil
	c.connCancel = nil
	c.outbound = nil
	shouldReconnect := false
	if c.closed {
		c.state = Disconnected
	} else {
		c.state = Errored
		shouldReconnect = c.reconnect && !c.reconnecting
		if shouldReconnect {
			c.reconnecting = true
		}
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Warn("channel dropped", zap.Error(cause))
	if shouldReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *Channel) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(c.retryDelay(attempt))
		select {
		case <-c.lifeCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(c.lifeCtx, c.maxDelay)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("channel reconnected", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			c.logger.Warn("reconnect rejected; giving up", zap.String("reason", rejected.Reason))
			return
		}
	}
}

func (c *Channel) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

// Emit queues one event for the writer. It never blocks on the network.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Connected || c.outbound == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	out := c.outbound
	c.mu.Unlock()
	select {
	case out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe registers a listener. The returned release func must be called
// exactly when the listener goes away; it is safe to call more than once.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscription{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	release := func() {
		sub.doneOnce.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, release
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	out := c.outbound
	c.mu.Unlock()

	if conn != nil && out != nil {
		select {
		case out <- encodeDisconnect():
		default:
		}
	}
	c.lifeCancel()
	if conn != nil {
		c.drop(conn, ErrClosed)
	}
	c.wg.Wait()
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	return nil
}
