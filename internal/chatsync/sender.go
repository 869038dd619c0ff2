package chatsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/chatsync/internal/channel"
	"go.uber.org/zap"
)

const DefaultConnectTimeout = 1500 * time.Millisecond

// Transport is the Transport Channel as seen by the core. *channel.Channel
// satisfies it.
type Transport interface {
	State() channel.State
	Connect(ctx context.Context) error
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(buffer int) (<-chan channel.Event, func())
}

type SendPath int

const (
	SendFailed SendPath = iota
	SendViaStream
	SendViaFallback
)

func (p SendPath) String() string {
	switch p {
	case SendViaStream:
		return "stream"
	case SendViaFallback:
		return "fallback"
	default:
		return "failed"
	}
}

// SendOutcome is the terminal result of one user-initiated send. Message is
// set only for SendViaFallback, where the server response is authoritative.
type SendOutcome struct {
	Path    SendPath
	Message Message
	Err     error
}

// PendingSend lives only between dispatch and resolution.
type PendingSend struct {
	Peer     string
	Content  string
	Deadline time.Time
}

type SendCoordinator struct {
	transport      Transport
	api            API
	connectTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics
	now            func() time.Time
}

type SendCoordinatorOptions struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

func NewSendCoordinator(transport Transport, api API, opts SendCoordinatorOptions) *SendCoordinator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SendCoordinator{
		transport:      transport,
		api:            api,
		connectTimeout: opts.ConnectTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            time.Now,
	}
}

// Send delivers content to peer over the channel, or over the request path
// when the channel cannot take it before the connect deadline. Only one of
// the two paths is ever issued for a call. Whitespace-only content returns
// ErrEmptyContent without touching the network.
func (c *SendCoordinator) Send(ctx context.Context, peer, content string) (SendOutcome, error) {
	if strings.TrimSpace(content) == "" {
		return SendOutcome{Path: SendFailed, Err: ErrEmptyContent}, ErrEmptyContent
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		err := errors.New("send: peer is required")
		return SendOutcome{Path: SendFailed, Err: err}, err
	}
	pending := PendingSend{Peer: peer, Content: content, Deadline: c.now().Add(c.connectTimeout)}

	streamErr := c.dispatch(ctx, pending)
	if streamErr == nil {
		c.metrics.send(SendViaStream)
		return SendOutcome{Path: SendViaStream}, nil
	}
	c.logger.Info("falling back to request path",
		zap.String("peer", peer),
		zap.Error(streamErr))

	msg, err := c.api.SendMessage(ctx, peer, content)
	if err != nil {
		err = requestError("send message", err)
		c.metrics.send(SendFailed)
		c.logger.Warn("fallback send failed", zap.String("peer", peer), zap.Error(err))
		return SendOutcome{Path: SendFailed, Err: err}, err
	}
	c.metrics.send(SendViaFallback)
	return SendOutcome{Path: SendViaFallback, Message: msg}, nil
}

// dispatch returns nil only once the event has been handed to the channel.
// Any error means the frame was never queued, so the fallback is safe.
func (c *SendCoordinator) dispatch(ctx context.Context, p PendingSend) error {
	if c.transport == nil {
		return newError(KindTransportUnavailable, "send", channel.ErrNotConnected)
	}
	dctx, cancel := context.WithDeadline(ctx, p.Deadline)
	defer cancel()
	if c.transport.State() != channel.Connected {
		if err := c.transport.Connect(dctx); err != nil {
			return newError(KindTransportUnavailable, "connect", err)
		}
	}
	if err := dctx.Err(); err != nil {
		return newError(KindTransportUnavailable, "connect", err)
	}
	payload := sendMessagePayload{Recipient: p.Peer, Content: p.Content}
	if err := c.transport.Emit(dctx, EmitSend, payload); err != nil {
		return newError(KindTransportUnavailable, "emit "+EmitSend, err)
	}
	return nil
}
