package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultOutboundQueue = 64
	handshakeTimeout     = 10 * time.Second
	writeWait            = 10 * time.Second
)

var (
	// ErrSendQueueFull indicates that the outbound queue of the current link is saturated.
	ErrSendQueueFull = errors.New("client: send queue full")

	errMissingRelayURL = errors.New("client: relay url is required")
	errTransportActive = errors.New("client: transport already running")
)

// WebsocketConfig describes how to reach the relay.
type WebsocketConfig struct {
	URL         string
	AccessToken string
	Dialer      *websocket.Dialer
	NewBackOff  func() backoff.BackOff
	QueueSize   int
	Logger      *zap.Logger
}

// WebsocketTransport keeps a websocket link to the relay open, reconnecting
// with exponential backoff until stopped.
type WebsocketTransport struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	queueSize  int
	logger     *zap.Logger

	mu       sync.Mutex
	outbound chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWebsocketTransport validates the configuration.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	relayURL := strings.TrimSpace(cfg.URL)
	if relayURL == "" {
		return nil, errMissingRelayURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		defaultDialer := *websocket.DefaultDialer
		defaultDialer.HandshakeTimeout = handshakeTimeout
		dialer = &defaultDialer
	}
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultOutboundQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketTransport{
		url:        relayURL,
		header:     header,
		dialer:     dialer,
		newBackOff: newBackOff,
		queueSize:  queueSize,
		logger:     logger,
	}, nil
}

// DefaultBackOff retries forever, starting at half a second and capping at ten.
func DefaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0
	return policy
}

// Start implements Transport.
func (t *WebsocketTransport) Start(ctx context.Context, handler TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return errTransportActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, handler, t.done)
	return nil
}

// Stop implements Transport.
func (t *WebsocketTransport) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send implements Transport.
func (t *WebsocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outbound == nil {
		return ErrNotConnected
	}
	select {
	case t.outbound <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *WebsocketTransport) run(ctx context.Context, handler TransportHandler, done chan struct{}) {
	defer close(done)
	defer handler.OnTransportState(StateDisconnected)

	policy := backoff.WithContext(t.newBackOff(), ctx)
	for {
		handler.OnTransportState(StateConnecting)
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err == nil {
			policy.Reset()
			t.serve(ctx, conn, handler)
		} else if ctx.Err() == nil {
			t.logger.Warn("relay dial failed", zap.String("relay_url", t.url), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		handler.OnTransportState(StateDisconnected)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *WebsocketTransport) serve(ctx context.Context, conn *websocket.Conn, handler TransportHandler) {
	connCtx, cancel := context.WithCancel(ctx)
	outbound := make(chan []byte, t.queueSize)

	t.mu.Lock()
	t.outbound = outbound
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.outbound = nil
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
	}()

	go t.writePump(connCtx, cancel, conn, outbound)
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	conn.SetReadLimit(wire.MaxFrameBytes)
	handler.OnTransportState(StateConnected)
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("relay read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handler.OnFrame(frame)
	}
}

func (t *WebsocketTransport) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan []byte) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case frame := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Debug("relay write failed", zap.Error(err))
				return
			}
		}
	}
}
