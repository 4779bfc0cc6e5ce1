// Package relay fans presence and message events out to every connected client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/presence"
	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRelayClosed indicates the relay no longer accepts connections.
	ErrRelayClosed = errors.New("relay: closed")
	// ErrIdentityMismatch indicates a join announced an identity other than the
	// one the connection authenticated as.
	ErrIdentityMismatch = errors.New("relay: announced identity does not match authenticated subject")

	errMissingStore = errors.New("relay: presence store is required")
)

// ServiceError carries an operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRelayNew    = "relay.new"
	opRelayAttach = "relay.attach"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the relay's collaborators.
type Config struct {
	Store     *presence.Store
	QueueSize int
	History   HistoryProvider
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Relay owns the presence store and the connection dispatcher for one server.
type Relay struct {
	// mu orders presence mutations and publications so every connection
	// observes frames in the order the relay processed them.
	mu         sync.Mutex
	closed     bool
	store      *presence.Store
	dispatcher *Dispatcher
	history    HistoryProvider
	metrics    *Metrics
	logger     *zap.Logger
}

// New constructs a relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opRelayNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	history := cfg.History
	if history == nil {
		history = NoBacklog{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		metrics, err = NewMetrics(nil)
		if err != nil {
			return nil, newServiceError(opRelayNew, "metrics_failed", err)
		}
	}

	relay := &Relay{
		store:   cfg.Store,
		history: history,
		metrics: metrics,
		logger:  logger,
	}
	relay.dispatcher = NewDispatcher(cfg.QueueSize, func(ref chat.ConnectionRef) {
		metrics.dropped.Inc()
		logger.Debug("outbound frame dropped", zap.String("connection_ref", ref.String()))
	})
	return relay, nil
}

// Roster returns the current presence snapshot.
func (r *Relay) Roster() chat.Roster {
	return r.store.Roster()
}

// ConnectionCount returns the number of attached peers.
func (r *Relay) ConnectionCount() int {
	return r.dispatcher.Count()
}

// Peer is one attached connection as seen by the relay.
type Peer struct {
	relay    *Relay
	ref      chat.ConnectionRef
	subject  string
	outbound <-chan []byte
	cleanup  func()
	once     sync.Once
}

// Ref returns the connection reference.
func (p *Peer) Ref() chat.ConnectionRef {
	return p.ref
}

// Outbound yields frames to write to the peer. It closes when the peer
// detaches or the relay shuts down.
func (p *Peer) Outbound() <-chan []byte {
	return p.outbound
}

// Subject returns the authenticated identity id, or "" for anonymous peers.
func (p *Peer) Subject() string {
	return p.subject
}

// Handle processes one inbound frame from the peer.
func (p *Peer) Handle(ctx context.Context, frame []byte) {
	p.relay.handle(ctx, p, frame)
}

// Close detaches the peer and broadcasts the roster without it.
func (p *Peer) Close() {
	p.once.Do(func() {
		p.cleanup()
		departed, known := p.relay.store.Lookup(p.ref)
		p.relay.leave(p.ref)
		p.relay.metrics.connections.Dec()
		fields := []zap.Field{zap.String("connection_ref", p.ref.String())}
		if known {
			fields = append(fields, zap.String("identity_id", departed.ID))
		}
		p.relay.logger.Info("connection closed", fields...)
	})
}

// Attach registers a new connection with the dispatcher. The peer does not
// appear in the roster until it announces an identity. A non-empty subject
// binds the peer to that identity id; joins announcing any other id are refused.
func (r *Relay) Attach(ctx context.Context, subject string) (*Peer, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return nil, newServiceError(opRelayAttach, "ref_generation_failed", err)
	}
	ref := chat.ConnectionRef(identifier.String())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, newServiceError(opRelayAttach, "closed", ErrRelayClosed)
	}
	outbound, cleanup := r.dispatcher.Subscribe(ctx, ref)
	r.mu.Unlock()

	r.metrics.connections.Inc()
	r.logger.Info("connection opened", zap.String("connection_ref", ref.String()))
	return &Peer{relay: r, ref: ref, subject: subject, outbound: outbound, cleanup: cleanup}, nil
}

// Close disconnects every peer and clears the roster.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.dispatcher.CloseAll()
	r.store.Reset()
	r.metrics.rosterSize.Set(0)
}

func (r *Relay) handle(ctx context.Context, peer *Peer, frame []byte) {
	ref := peer.ref
	envelope, err := wire.Decode(frame)
	if err != nil {
		r.logger.Warn("inbound frame ignored", zap.String("connection_ref", ref.String()), zap.Error(err))
		return
	}
	r.metrics.observeEvent(envelope.Event)

	switch envelope.Event {
	case wire.EventJoinServer:
		r.join(ctx, peer, envelope)
	case wire.EventSendMessage:
		r.relayMessage(ref, envelope)
	default:
		r.logger.Warn("unknown event ignored",
			zap.String("connection_ref", ref.String()),
			zap.String("event", string(envelope.Event)))
	}
}

func (r *Relay) join(ctx context.Context, peer *Peer, envelope wire.Envelope) {
	ref := peer.ref
	identity, err := envelope.Identity()
	if err == nil {
		err = identity.Validate()
	}
	if err == nil && peer.subject != "" && identity.ID != peer.subject {
		err = ErrIdentityMismatch
		r.metrics.rejected.Inc()
	}
	if err != nil {
		r.logger.Warn("join ignored", zap.String("connection_ref", ref.String()), zap.Error(err))
		return
	}

	r.mu.Lock()
	roster := r.store.Register(identity, ref)
	r.publishRosterLocked(roster)
	r.mu.Unlock()

	r.logger.Info("identity joined",
		zap.String("connection_ref", ref.String()),
		zap.String("identity_id", identity.ID),
		zap.Int("roster_size", len(roster)))

	r.replayBacklog(ctx, ref, identity)
}

func (r *Relay) relayMessage(ref chat.ConnectionRef, envelope wire.Envelope) {
	frame, err := wire.Envelope{Event: wire.EventReceiveMessage, Payload: envelope.Payload}.Encode()
	if err != nil {
		r.logger.Warn("message not relayed", zap.String("connection_ref", ref.String()), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.dispatcher.Publish(frame)
	r.mu.Unlock()
}

func (r *Relay) leave(ref chat.ConnectionRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	roster := r.store.Release(ref)
	r.publishRosterLocked(roster)
}

func (r *Relay) publishRosterLocked(roster chat.Roster) {
	r.metrics.rosterSize.Set(float64(len(roster)))
	envelope, err := wire.NewEnvelope(wire.EventUpdateUsers, roster)
	if err != nil {
		r.logger.Error("roster encode failed", zap.Error(err))
		return
	}
	frame, err := envelope.Encode()
	if err != nil {
		r.logger.Error("roster encode failed", zap.Error(err))
		return
	}
	r.dispatcher.Publish(frame)
}

func (r *Relay) replayBacklog(ctx context.Context, ref chat.ConnectionRef, identity chat.Identity) {
	backlog, err := r.history.Backlog(ctx, identity)
	if err != nil {
		r.logger.Warn("history backlog unavailable", zap.String("identity_id", identity.ID), zap.Error(err))
		return
	}
	for _, message := range backlog {
		envelope, err := wire.NewEnvelope(wire.EventReceiveMessage, message)
		if err != nil {
			r.logger.Warn("backlog message skipped", zap.String("message_id", message.ID), zap.Error(err))
			continue
		}
		frame, err := envelope.Encode()
		if err != nil {
			continue
		}
		r.dispatcher.PublishTo(ref, frame)
	}
}
