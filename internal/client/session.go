// Package client implements the chat client session: connection lifecycle,
// message send and receive, and roster tracking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/audio"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/mirror"
	"github.com/MarcoPoloResearchLab/relaychat/internal/projector"
	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNoIdentity indicates that no identity is logged in.
	ErrNoIdentity = errors.New("client: no identity logged in")
	// ErrNotConnected indicates that the relay link is not established.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyStarted indicates that Start was called on a running session.
	ErrAlreadyStarted = errors.New("client: session already started")

	errMissingTransport = errors.New("client: transport is required")
	errMissingMirror    = errors.New("client: mirror is required")
	errMissingSessions  = errors.New("client: session store is required")
	errMissingRecorder  = errors.New("client: audio recorder is required")
)

// Config describes the session's collaborators.
type Config struct {
	Transport Transport
	Mirror    *mirror.Mirror
	Sessions  *mirror.SessionStore
	IDs       chat.IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Session is one client's connection to the relay and the state derived from it.
type Session struct {
	transport Transport
	mirror    *mirror.Mirror
	sessions  *mirror.SessionStore
	ids       chat.IDProvider
	clock     func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	state       ConnectionState
	running     bool
	identity    chat.Identity
	hasIdentity bool
	roster      chat.Roster
	localStatus chat.Status

	onStateChange func(ConnectionState)
	onMessage     func(chat.Message)
	onRoster      func(projector.Projection)
}

// New constructs a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Mirror == nil {
		return nil, errMissingMirror
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	ids := cfg.IDs
	if ids == nil {
		ids = chat.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		transport: cfg.Transport,
		mirror:    cfg.Mirror,
		sessions:  cfg.Sessions,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		state:     StateDisconnected,
		roster:    chat.Roster{},
	}, nil
}

// OnStateChange registers the observer for connection state transitions.
func (s *Session) OnStateChange(observer func(ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = observer
}

// OnMessage registers the observer for newly appended messages.
func (s *Session) OnMessage(observer func(chat.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = observer
}

// OnRoster registers the observer for member list changes.
func (s *Session) OnRoster(observer func(projector.Projection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoster = observer
}

// Login records the identity returned by the auth provider as the session identity.
func (s *Session) Login(ctx context.Context, record mirror.SessionRecord) error {
	if err := s.sessions.Save(ctx, record); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = record.Identity
	s.hasIdentity = true
	s.mu.Unlock()
	return nil
}

// Restore loads a previously logged-in identity, reporting whether one existed.
func (s *Session) Restore(ctx context.Context) (mirror.SessionRecord, bool, error) {
	record, found, err := s.sessions.Load(ctx)
	if err != nil || !found {
		return mirror.SessionRecord{}, false, err
	}
	s.mu.Lock()
	s.identity = record.Identity
	s.hasIdentity = true
	s.mu.Unlock()
	return record, true, nil
}

// Identity returns the logged-in identity.
func (s *Session) Identity() (chat.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.hasIdentity
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Roster returns the last roster received from the relay.
func (s *Session) Roster() chat.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.Clone()
}

// Projection returns the member list for the last roster, with the local
// status applied to the user's own entry.
func (s *Session) Projection() projector.Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectionLocked()
}

// Start begins connecting to the relay.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasIdentity {
		s.mu.Unlock()
		return ErrNoIdentity
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.mu.Unlock()

	s.transition(StateConnecting)
	if err := s.transport.Start(ctx, s); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.transition(StateDisconnected)
		return fmt.Errorf("client: start transport: %w", err)
	}
	return nil
}

// Stop disconnects from the relay but keeps the logged-in identity.
func (s *Session) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if running {
		s.transport.Stop()
	}
	s.transition(StateDisconnected)
}

// Logout disconnects and forgets the session identity. Channel logs survive.
func (s *Session) Logout(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	s.identity = chat.Identity{}
	s.hasIdentity = false
	s.roster = chat.Roster{}
	s.localStatus = ""
	s.mu.Unlock()
	return s.sessions.Clear(ctx)
}

// SetLocalStatus decorates the user's own member entry. The status is never sent.
func (s *Session) SetLocalStatus(raw string) error {
	status, err := chat.ParseStatus(raw)
	if err != nil {
		return err
	}
	if !status.IsPresent() {
		return fmt.Errorf("%w: %q cannot be chosen locally", chat.ErrInvalidStatus, raw)
	}
	s.mu.Lock()
	s.localStatus = status
	projection := s.projectionLocked()
	observer := s.onRoster
	s.mu.Unlock()
	if observer != nil {
		observer(projection)
	}
	return nil
}

// Send builds a message with a fresh id and transmits it. The message reaches
// the mirror only when the relay echoes it back. Nothing is queued while
// disconnected.
func (s *Session) Send(ctx context.Context, channelID, content string, kind chat.MessageKind) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	state := s.state
	identity, hasIdentity := s.identity, s.hasIdentity
	s.mu.Unlock()
	if !hasIdentity {
		return chat.Message{}, ErrNoIdentity
	}
	if state != StateConnected {
		return chat.Message{}, ErrNotConnected
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, fmt.Errorf("%w: blank content", chat.ErrInvalidMessage)
	}

	message, err := chat.NewMessage(chat.MessageDraft{
		ChannelID: channelID,
		Content:   content,
		Kind:      kind,
		Author:    identity,
		CreatedAt: s.clock(),
	}, s.ids)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.sendEvent(wire.EventSendMessage, message); err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// SendAudio records from the source until it is exhausted or ctx ends, then
// sends the clip as an audio message.
func (s *Session) SendAudio(ctx context.Context, channelID string, recorder audio.Recorder, source io.Reader) (chat.Message, error) {
	if recorder == nil {
		return chat.Message{}, errMissingRecorder
	}
	if s.State() != StateConnected {
		return chat.Message{}, ErrNotConnected
	}
	stream, err := recorder.Record(ctx, source)
	if err != nil {
		return chat.Message{}, err
	}
	select {
	case <-stream.Done():
	case <-ctx.Done():
		s.logger.Debug("voice capture cut short", zap.Int("captured_bytes", stream.Bytes()))
	}
	blob, err := recorder.Stop(stream)
	if err != nil {
		return chat.Message{}, err
	}
	return s.Send(context.WithoutCancel(ctx), channelID, string(blob), chat.MessageKindAudio)
}

// OnTransportState implements TransportHandler.
func (s *Session) OnTransportState(state ConnectionState) {
	s.mu.Lock()
	if !s.running && state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	identity := s.identity
	s.mu.Unlock()

	s.transition(state)
	if state != StateConnected {
		return
	}
	// The relay forgets an identity when its connection drops, so every new
	// link announces it again.
	if err := s.sendEvent(wire.EventJoinServer, identity); err != nil {
		s.logger.Warn("join announcement failed", zap.String("identity_id", identity.ID), zap.Error(err))
	}
}

// OnFrame implements TransportHandler.
func (s *Session) OnFrame(frame []byte) {
	envelope, err := wire.Decode(frame)
	if err != nil {
		s.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	switch envelope.Event {
	case wire.EventReceiveMessage:
		s.receiveMessage(envelope)
	case wire.EventUpdateUsers:
		s.receiveRoster(envelope)
	default:
		s.logger.Debug("ignoring unknown event", zap.String("event", string(envelope.Event)))
	}
}

func (s *Session) receiveMessage(envelope wire.Envelope) {
	message, err := envelope.Message()
	if err == nil {
		err = message.Validate()
	}
	if err != nil {
		s.logger.Debug("ignoring invalid message", zap.Error(err))
		return
	}
	if _, appended := s.mirror.Append(context.Background(), message); !appended {
		return
	}
	s.mu.Lock()
	observer := s.onMessage
	s.mu.Unlock()
	if observer != nil {
		observer(message)
	}
}

func (s *Session) receiveRoster(envelope wire.Envelope) {
	roster, err := envelope.Roster()
	if err != nil {
		s.logger.Debug("ignoring invalid roster", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.roster = roster
	projection := s.projectionLocked()
	observer := s.onRoster
	identity, hasIdentity := s.identity, s.hasIdentity
	s.mu.Unlock()
	if hasIdentity {
		if _, listed := roster.Find(identity.ID); !listed {
			s.logger.Debug("own identity not in roster", zap.String("identity_id", identity.ID))
		}
	}
	if observer != nil {
		observer(projection)
	}
}

func (s *Session) projectionLocked() projector.Projection {
	roster := s.roster
	if s.hasIdentity {
		roster = projector.ApplyLocalStatus(roster, s.identity.ID, s.localStatus)
	}
	return projector.Project(roster)
}

func (s *Session) transition(state ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.state = state
	observer := s.onStateChange
	s.mu.Unlock()

	s.logger.Debug("connection state changed", zap.String("from", string(previous)), zap.String("to", string(state)))
	if observer != nil {
		observer(state)
	}
}

func (s *Session) sendEvent(event wire.EventName, payload any) error {
	envelope, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := envelope.Encode()
	if err != nil {
		return err
	}
	if err := s.transport.Send(frame); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("client: send %s: %w", event, err)
	}
	return nil
}
