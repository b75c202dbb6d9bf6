package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notewave/realtime/shared"
	"go.uber.org/zap"
)

// MessageHandler receives every classified inbound event.
type MessageHandler func(ev *InboundEvent)

// ErrorHandler receives fatal conditions: permission, transport and
// reconnect-exhausted faults.
type ErrorHandler func(err *SessionError)

// StatusHandler receives connected-state transitions, decoupled from errors
// so UI state and error state stay independent.
type StatusHandler func(connected bool)

// FunctionHandler executes a model-requested function call and returns its
// output, which is sent back over the data channel.
type FunctionHandler func(name, arguments string) (string, error)

// SessionOptions carries the collaborators a Session needs. Logger,
// Establisher and Credentials are required.
type SessionOptions struct {
	Logger      shared.LoggerAdapter
	Establisher Establisher
	Credentials CredentialSource
	Config      *SessionConfig
	// BaseInstructions is the static prompt prefix; document context is
	// appended to it on every session.update.
	BaseInstructions string
	Visibility       Visibility
	Transcript       *shared.Transcript
}

// Session owns the connection lifecycle for one realtime voice conversation:
// idle, connecting, connected, recording, reconnecting. All operations are
// guarded so re-entrant invocation is a no-op rather than a second transport.
type Session struct {
	id          string
	logger      shared.LoggerAdapter
	establisher Establisher
	credentials CredentialSource
	cfg         *SessionConfig
	baseInstr   string
	visibility  Visibility
	transcript  *shared.Transcript

	mu                   sync.Mutex
	transport            Transport
	connected            bool
	connecting           bool
	voiceMode            bool
	recording            bool
	manuallyDisconnected bool
	closed               bool
	lastError            string
	docCtx               *DocumentContext
	// configPending marks a session.update that could not be delivered yet;
	// the next inbound frame proves the channel is open and retries it.
	configPending bool
	// generation identifies the current dial. Frames and link signals from
	// older transports carry an older generation and are discarded.
	generation int

	reconnectAttempts int
	reconnectPending  bool
	reconnectTimer    *time.Timer
	exhausted         bool

	mh MessageHandler
	eh ErrorHandler
	sh StatusHandler
	fh FunctionHandler

	// afterFunc is swapped out by tests to control reconnect timing.
	afterFunc func(d time.Duration, fn func()) *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(ctx context.Context, id string, opts SessionOptions) (*Session, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Establisher == nil {
		return nil, shared.ErrNoEstablisher
	}
	if opts.Credentials == nil {
		return nil, shared.ErrNoCredential
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	vis := opts.Visibility
	if vis == nil {
		vis = alwaysVisible{}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:          id,
		logger:      opts.Logger.With(zap.String("session_id", id)),
		establisher: opts.Establisher,
		credentials: opts.Credentials,
		cfg:         cfg,
		baseInstr:   opts.BaseInstructions,
		visibility:  vis,
		transcript:  opts.Transcript,
		afterFunc:   time.AfterFunc,
		ctx:         ctx,
		cancel:      cancel,
	}
	vis.OnVisible(func() {
		s.mu.Lock()
		trigger := !s.closed && !s.connected && !s.connecting && !s.manuallyDisconnected
		s.mu.Unlock()
		if trigger {
			s.logger.Info("page visible again, reconnecting")
			s.Connect()
		}
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) RegisterMessageHandler(h MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if h == nil {
		return errors.New("handler is required")
	}
	s.mh = h
	return nil
}

func (s *Session) RegisterErrorHandler(h ErrorHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if h == nil {
		return errors.New("handler is required")
	}
	s.eh = h
	return nil
}

func (s *Session) RegisterStatusHandler(h StatusHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if h == nil {
		return errors.New("handler is required")
	}
	s.sh = h
	return nil
}

func (s *Session) RegisterFunctionHandler(h FunctionHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if h == nil {
		return errors.New("handler is required")
	}
	s.fh = h
	return nil
}

// Connect establishes the transport asynchronously. A no-op while already
// connecting or connected. Clears the manual-disconnect latch.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.connecting || s.connected {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.manuallyDisconnected = false
	s.exhausted = false
	s.lastError = ""
	s.configPending = false
	s.generation++
	gen := s.generation
	stale := s.transport
	s.transport = nil
	s.mu.Unlock()
	if stale != nil {
		stale.StopCapture()
		if err := stale.Close(); err != nil {
			s.logger.Warn("closing stale transport", zap.Error(err))
		}
	}
	go s.dial(gen)
}

// staleGen reports whether gen belongs to a superseded dial.
func (s *Session) staleGen(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}

func (s *Session) dial(gen int) {
	credential, err := s.credentials.CreateEphemeralCredential(s.ctx, s.documentID())
	if err != nil {
		if s.staleGen(gen) {
			return
		}
		if errors.Is(err, shared.ErrCredentialRejected) {
			s.failConnect("credential", ErrorKindAuth, err, false)
		} else {
			s.failConnect("credential", ErrorKindTransport, err, true)
		}
		return
	}

	tr, err := s.establisher.Establish(s.ctx, credential,
		func(frame []byte) { s.handleFrame(gen, frame) },
		func(state LinkState) { s.handleLink(gen, state) },
	)
	if err != nil {
		if s.staleGen(gen) {
			return
		}
		if errors.Is(err, shared.ErrMicUnavailable) {
			s.failConnect("microphone", ErrorKindPermission, err, false)
		} else {
			s.failConnect("establish", ErrorKindTransport, err, true)
		}
		return
	}

	s.mu.Lock()
	if s.closed || s.manuallyDisconnected || gen != s.generation {
		s.mu.Unlock()
		tr.StopCapture()
		_ = tr.Close()
		return
	}
	s.transport = tr
	s.mu.Unlock()

	// Context must be live before the session is considered ready, so a
	// reconnect never silently drops it. A failed delivery stays pending and
	// is retried once traffic proves the channel open.
	if err := s.pushSessionUpdate(); err != nil {
		s.logger.Warn("applying session config after connect", zap.Error(err))
	}

	s.mu.Lock()
	if s.closed || s.manuallyDisconnected || gen != s.generation {
		s.mu.Unlock()
		tr.StopCapture()
		_ = tr.Close()
		return
	}
	s.connecting = false
	s.connected = true
	s.reconnectAttempts = 0
	s.reconnectPending = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	sh := s.sh
	s.mu.Unlock()
	countConnect()
	s.logger.Info("session connected")
	if sh != nil {
		sh(true)
	}
}

func (s *Session) failConnect(stage string, kind ErrorKind, err error, retryable bool) {
	s.mu.Lock()
	s.connecting = false
	s.connected = false
	s.lastError = err.Error()
	eh := s.eh
	manual := s.manuallyDisconnected
	s.mu.Unlock()
	s.logger.Error("connect failed", err, zap.String("stage", stage))
	if eh != nil {
		eh(newSessionError(kind, stage, err))
	}
	if retryable && !manual {
		s.scheduleReconnect(false)
	}
}

// Disconnect tears everything down synchronously and suppresses
// auto-reconnect until the next explicit Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manuallyDisconnected = true
	wasConnected := s.connected
	s.connected = false
	s.connecting = false
	s.recording = false
	tr := s.transport
	s.transport = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectPending = false
	sh := s.sh
	s.mu.Unlock()
	if tr != nil {
		tr.StopCapture()
		if err := tr.Close(); err != nil {
			s.logger.Warn("closing transport", zap.Error(err))
		}
	}
	s.logger.Info("session disconnected by user")
	if wasConnected && sh != nil {
		sh(false)
	}
}

// ToggleVoiceMode flips between continuous (server VAD) and manual
// push-to-talk turn taking. Active recording is stopped first.
func (s *Session) ToggleVoiceMode() {
	s.StopRecording()
	s.mu.Lock()
	s.voiceMode = !s.voiceMode
	mode := s.voiceMode
	connected := s.connected
	s.mu.Unlock()
	s.logger.Info("voice mode toggled", zap.Bool("continuous", mode))
	if connected {
		if err := s.pushSessionUpdate(); err != nil {
			s.logger.Warn("updating turn detection", zap.Error(err))
		}
	}
}

// StartRecording acquires the microphone, clears the remote input buffer and
// marks the session recording. Emits an error instead when not connected;
// a no-op while already recording.
func (s *Session) StartRecording() {
	s.mu.Lock()
	if !s.connected {
		eh := s.eh
		s.mu.Unlock()
		if eh != nil {
			eh(newSessionError(ErrorKindTransport, "record", shared.ErrNotConnected))
		}
		return
	}
	if s.recording {
		s.mu.Unlock()
		return
	}
	s.recording = true
	tr := s.transport
	s.mu.Unlock()

	if err := tr.StartCapture(); err != nil {
		s.mu.Lock()
		s.recording = false
		eh := s.eh
		s.mu.Unlock()
		s.logger.Error("starting capture", err)
		if eh != nil {
			eh(newSessionError(ErrorKindPermission, "microphone", err))
		}
		return
	}
	if err := s.sendEncoded(EncodeBufferClear()); err != nil {
		s.logger.Warn("clearing input audio buffer", zap.Error(err))
	}
	s.logger.Debug("recording started")
}

// StopRecording releases the microphone, commits the input buffer and asks
// for a response. Safe to call when not recording.
func (s *Session) StopRecording() {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return
	}
	s.recording = false
	tr := s.transport
	s.mu.Unlock()
	if tr != nil {
		tr.StopCapture()
	}
	if err := s.sendEncoded(EncodeBufferCommit()); err != nil {
		s.logger.Warn("committing input audio buffer", zap.Error(err))
	}
	if err := s.sendEncoded(EncodeResponseCreate()); err != nil {
		s.logger.Warn("requesting response", zap.Error(err))
	}
	s.logger.Debug("recording stopped")
}

// SetContext stores new document-derived text and, while connected,
// immediately re-issues the session.update carrying it.
func (s *Session) SetContext(documentID, content string) {
	s.mu.Lock()
	s.docCtx = &DocumentContext{DocumentID: documentID, Content: content}
	connected := s.connected
	s.mu.Unlock()
	if connected {
		if err := s.pushSessionUpdate(); err != nil {
			s.logger.Warn("pushing document context", zap.Error(err))
		}
	}
}

// SendText multiplexes a plain text turn over the voice session.
func (s *Session) SendText(text string) error {
	if err := s.sendEncoded(EncodeTextItem(text)); err != nil {
		return err
	}
	return s.sendEncoded(EncodeResponseCreate())
}

// Close ends the session for good. The session cannot be reused afterwards.
func (s *Session) Close() error {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

// Connected reports whether the transport is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *Session) VoiceModeEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceMode
}

func (s *Session) ManuallyDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manuallyDisconnected
}

func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

func (s *Session) documentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docCtx == nil {
		return ""
	}
	return s.docCtx.DocumentID
}

// pushSessionUpdate sends exactly one session.update carrying the current
// instructions (base prompt + truncated document context) and turn-detection
// policy.
func (s *Session) pushSessionUpdate() error {
	s.mu.Lock()
	cfg := s.cfg
	doc := s.docCtx
	base := s.baseInstr
	continuous := s.voiceMode
	s.mu.Unlock()
	frame, err := EncodeSessionUpdate(cfg, doc.Instructions(base, true), continuous)
	if err != nil {
		return err
	}
	err = s.send(frame)
	s.mu.Lock()
	s.configPending = err != nil
	s.mu.Unlock()
	return err
}

func (s *Session) send(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	tr := s.transport
	s.mu.Unlock()
	if closed {
		return shared.ErrSessionClosed
	}
	if tr == nil {
		return shared.ErrNotConnected
	}
	return tr.Send(frame)
}

func (s *Session) sendEncoded(frame []byte, err error) error {
	if err != nil {
		return err
	}
	return s.send(frame)
}

// handleFrame decodes and routes one inbound data channel frame. Malformed
// frames are logged and dropped, never surfaced. Frames from superseded
// transports are discarded.
func (s *Session) handleFrame(gen int, frame []byte) {
	if s.staleGen(gen) {
		return
	}
	ev, err := DecodeInbound(frame)
	if err != nil {
		countDroppedFrame()
		s.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("frame", frame))
		return
	}
	// Inbound traffic proves the data channel is open; deliver a session
	// config that failed to go out right after connect.
	s.mu.Lock()
	pending := s.configPending
	s.configPending = false
	s.mu.Unlock()
	if pending {
		if err := s.pushSessionUpdate(); err != nil {
			s.logger.Warn("reapplying session config", zap.Error(err))
		}
	}
	if ev.Kind == KindIgnored {
		return
	}
	countInboundEvent(ev.Type)
	switch ev.Kind {
	case KindAgentTranscript:
		if ev.Transcript != "" && s.transcript != nil {
			if err := s.transcript.Agent(ev.Transcript); err != nil {
				s.logger.Warn("recording agent transcript", zap.Error(err))
			}
		}
	case KindUserTranscript:
		if s.transcript != nil {
			if err := s.transcript.User(ev.Transcript); err != nil {
				s.logger.Warn("recording user transcript", zap.Error(err))
			}
		}
	case KindFunctionCall:
		s.dispatchFunction(ev)
	}
	s.mu.Lock()
	mh := s.mh
	s.mu.Unlock()
	if mh != nil {
		mh(ev)
	}
}

func (s *Session) dispatchFunction(ev *InboundEvent) {
	s.mu.Lock()
	fh := s.fh
	s.mu.Unlock()
	if fh == nil {
		s.logger.Warn("no function handler registered", zap.String("function", ev.FunctionName))
		return
	}
	output, err := fh(ev.FunctionName, ev.FunctionArgs)
	if err != nil {
		s.logger.Error("function call failed", err, zap.String("function", ev.FunctionName))
		return
	}
	if err := s.sendEncoded(EncodeFunctionOutput(ev.CallID, output)); err != nil {
		s.logger.Warn("sending function output", zap.Error(err))
		return
	}
	if err := s.sendEncoded(EncodeResponseCreate()); err != nil {
		s.logger.Warn("requesting response after function call", zap.Error(err))
	}
}

// handleLink feeds transport health signals into the reconnection policy.
// Signals from superseded transports are discarded, and while a dial is in
// flight its error path owns failure handling.
func (s *Session) handleLink(gen int, state LinkState) {
	if state == LinkConnected {
		return
	}
	s.mu.Lock()
	if s.closed || s.manuallyDisconnected || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.connecting {
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.connected = false
	s.connecting = false
	s.recording = false
	sh := s.sh
	s.mu.Unlock()
	s.logger.Warn("transport link lost", zap.String("state", state.String()))
	if wasConnected && sh != nil {
		sh(false)
	}
	s.scheduleReconnect(false)
}
