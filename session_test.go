package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/notewave/realtime/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	captures int
	stops    int
	closed   bool
	startErr error
	sendErr  error
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) StartCapture() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.captures++
	return nil
}

func (f *fakeTransport) StopCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) framesOfType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, frame := range f.frames {
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(frame, &m))
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) resetFrames() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type fakeEstablisher struct {
	mu        sync.Mutex
	calls     int
	err       error
	transport *fakeTransport
	onFrame   FrameHandler
	onLink    LinkStateHandler
	block     chan struct{}
}

func (f *fakeEstablisher) Establish(ctx context.Context, credential string, onFrame FrameHandler, onLink LinkStateHandler) (Transport, error) {
	f.mu.Lock()
	f.calls++
	f.onFrame = onFrame
	f.onLink = onLink
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.transport, nil
}

func (f *fakeEstablisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCredentials struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCredentials) CreateEphemeralCredential(ctx context.Context, documentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ek_test", nil
}

// timerRecorder captures reconnect scheduling instead of running real timers.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (r *timerRecorder) afterFunc(d time.Duration, fn func()) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, fn)
	return time.NewTimer(time.Hour)
}

func (r *timerRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type sessionHarness struct {
	session     *Session
	establisher *fakeEstablisher
	transport   *fakeTransport
	creds       *fakeCredentials
	timers      *timerRecorder
	transcript  *shared.Transcript
	statusC     chan bool
	errC        chan *SessionError
	msgC        chan *InboundEvent
}

func newSessionHarness(t *testing.T, opts ...func(*SessionOptions)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		transport: &fakeTransport{},
		creds:     &fakeCredentials{},
		timers:    &timerRecorder{},
		statusC:   make(chan bool, 16),
		errC:      make(chan *SessionError, 16),
		msgC:      make(chan *InboundEvent, 16),
	}
	h.establisher = &fakeEstablisher{transport: h.transport}

	transcript, err := shared.NewTranscript()
	require.NoError(t, err)
	h.transcript = transcript

	sessOpts := SessionOptions{
		Logger:           shared.NewNopLogger(),
		Establisher:      h.establisher,
		Credentials:      h.creds,
		BaseInstructions: "You answer questions about the selected document.",
		Transcript:       transcript,
	}
	for _, o := range opts {
		o(&sessOpts)
	}
	s, err := NewSession(context.Background(), "sess-1", sessOpts)
	require.NoError(t, err)
	s.afterFunc = h.timers.afterFunc
	h.session = s

	require.NoError(t, s.RegisterStatusHandler(func(connected bool) { h.statusC <- connected }))
	require.NoError(t, s.RegisterErrorHandler(func(err *SessionError) { h.errC <- err }))
	require.NoError(t, s.RegisterMessageHandler(func(ev *InboundEvent) { h.msgC <- ev }))
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *sessionHarness) waitStatus(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-h.statusC:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %v", want)
	}
}

func (h *sessionHarness) waitError(t *testing.T) *SessionError {
	t.Helper()
	select {
	case err := <-h.errC:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func (h *sessionHarness) connect(t *testing.T) {
	t.Helper()
	h.session.Connect()
	h.waitStatus(t, true)
}

func TestConnectIdempotentWhileConnecting(t *testing.T) {
	h := newSessionHarness(t)
	h.establisher.block = make(chan struct{})

	h.session.Connect()
	h.session.Connect()
	h.session.Connect()
	close(h.establisher.block)
	h.waitStatus(t, true)

	assert.Equal(t, 1, h.establisher.callCount())
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	h.session.Connect()
	assert.Equal(t, 1, h.establisher.callCount())
	assert.True(t, h.session.Connected())
}

func TestConnectAppliesSessionConfigBeforeReady(t *testing.T) {
	h := newSessionHarness(t)
	h.session.SetContext("doc-1", "widget assembly manual")
	h.connect(t)

	updates := h.transport.framesOfType(t, ClientEventTypeSessionUpdate)
	require.Len(t, updates, 1)
	session := updates[0]["session"].(map[string]any)
	assert.Contains(t, session["instructions"], "widget assembly manual")
}

func TestDisconnect(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.session.StartRecording()
	require.True(t, h.session.Recording())

	h.session.Disconnect()
	h.waitStatus(t, false)

	assert.False(t, h.session.Connected())
	assert.False(t, h.session.Recording())
	assert.True(t, h.session.ManuallyDisconnected())
	h.transport.mu.Lock()
	assert.True(t, h.transport.closed)
	assert.GreaterOrEqual(t, h.transport.stops, 1)
	h.transport.mu.Unlock()
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	h.session.Disconnect()
	h.waitStatus(t, false)
	h.establisher.onLink(LinkFailed)

	assert.Empty(t, h.timers.recorded())
	assert.False(t, h.session.Connecting())
}

func TestToggleVoiceModeStopsRecordingFirst(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.session.StartRecording()
	require.True(t, h.session.Recording())

	h.session.ToggleVoiceMode()

	assert.False(t, h.session.Recording())
	assert.True(t, h.session.VoiceModeEnabled())
	// The commit from StopRecording must precede the mode update.
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeInputAudioBufferCommit), 1)
	updates := h.transport.framesOfType(t, ClientEventTypeSessionUpdate)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]["session"].(map[string]any)
	assert.NotNil(t, last["turn_detection"])
}

func TestStartRecordingNotConnected(t *testing.T) {
	h := newSessionHarness(t)

	h.session.StartRecording()

	err := h.waitError(t)
	assert.ErrorIs(t, err, shared.ErrNotConnected)
	assert.False(t, h.session.Recording())
}

func TestStartRecordingTwiceAcquiresMicOnce(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.transport.resetFrames()

	h.session.StartRecording()
	h.session.StartRecording()

	h.transport.mu.Lock()
	captures := h.transport.captures
	h.transport.mu.Unlock()
	assert.Equal(t, 1, captures)
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeInputAudioBufferClear), 1)
}

func TestStartRecordingMicDenied(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.transport.mu.Lock()
	h.transport.startErr = fmt.Errorf("%w: device busy", shared.ErrMicUnavailable)
	h.transport.mu.Unlock()

	h.session.StartRecording()

	err := h.waitError(t)
	assert.Equal(t, ErrorKindPermission, err.Kind)
	assert.False(t, h.session.Recording())
}

func TestStopRecordingCommitsAndRequestsResponse(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.session.StartRecording()
	h.transport.resetFrames()

	h.session.StopRecording()

	assert.False(t, h.session.Recording())
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeInputAudioBufferCommit), 1)
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeResponseCreate), 1)

	// Stopping again is a no-op.
	h.transport.resetFrames()
	h.session.StopRecording()
	assert.Equal(t, 0, h.transport.frameCount())
}

func TestSetContextSendsExactlyOneUpdate(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.transport.resetFrames()

	longDoc := make([]byte, MaxVoiceContextLen+2000)
	for i := range longDoc {
		longDoc[i] = 'a'
	}
	h.session.SetContext("doc-9", string(longDoc))

	updates := h.transport.framesOfType(t, ClientEventTypeSessionUpdate)
	require.Len(t, updates, 1)
	instructions := updates[0]["session"].(map[string]any)["instructions"].(string)
	assert.Contains(t, instructions, TruncationMarker)
	// Bounded by the voice limit plus base prompt, preamble and marker.
	assert.Less(t, len(instructions), MaxVoiceContextLen+512)
}

func TestSetContextWhileDisconnected(t *testing.T) {
	h := newSessionHarness(t)

	h.session.SetContext("doc-2", "some content")
	assert.Equal(t, 0, h.transport.frameCount())

	// The stored context is applied on the next connect.
	h.connect(t)
	updates := h.transport.framesOfType(t, ClientEventTypeSessionUpdate)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0]["session"].(map[string]any)["instructions"], "some content")
}

func TestSendText(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	h.transport.resetFrames()

	require.NoError(t, h.session.SendText("summarize the intro"))

	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeConversationItemCreate), 1)
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeResponseCreate), 1)
}

func TestCredentialRejectedIsFatal(t *testing.T) {
	h := newSessionHarness(t)
	h.creds.err = fmt.Errorf("%w: status 401", shared.ErrCredentialRejected)

	h.session.Connect()

	err := h.waitError(t)
	assert.Equal(t, ErrorKindAuth, err.Kind)
	assert.False(t, h.session.Connected())
	assert.False(t, h.session.Connecting())
	// No reconnect is scheduled and no second error arrives.
	assert.Empty(t, h.timers.recorded())
	assert.Empty(t, h.errC)
}

func TestTransportFailureTriggersReconnect(t *testing.T) {
	h := newSessionHarness(t)
	h.establisher.err = errors.New("sdp exchange refused")

	h.session.Connect()

	err := h.waitError(t)
	assert.Equal(t, ErrorKindTransport, err.Kind)
	require.Eventually(t, func() bool {
		return len(h.timers.recorded()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ReconnectDelay(0, false), h.timers.recorded()[0])
}

func TestLinkLossReschedulesOnce(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	// A real outage fires several signals in a row.
	h.establisher.onLink(LinkDisconnected)
	h.establisher.onLink(LinkFailed)
	h.establisher.onLink(LinkClosed)
	h.waitStatus(t, false)

	assert.Len(t, h.timers.recorded(), 1)
	assert.Equal(t, 1, h.session.ReconnectAttempts())
}

func TestResponseDoneAccumulatesTranscript(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	h.establisher.onFrame([]byte(`{"type":"response.done","response":{"output":[{"content":[{"transcript":"paris is the capital"}]}]}}`))

	lines := h.transcript.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "Agent: paris is the capital", lines[0])
}

func TestUserTranscriptAccumulates(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	h.establisher.onFrame([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"what is the capital"}`))

	lines := h.transcript.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "You: what is the capital", lines[0])
}

func TestMalformedFrameDropped(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	h.establisher.onFrame([]byte(`{oops`))
	h.establisher.onFrame([]byte(`{"no":"type"}`))

	assert.Empty(t, h.msgC)
	assert.Empty(t, h.errC)
	assert.True(t, h.session.Connected())
}

func TestFunctionCallDispatch(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.session.RegisterFunctionHandler(func(name, args string) (string, error) {
		assert.Equal(t, "search_docs", name)
		return `{"hits":3}`, nil
	}))
	h.connect(t)
	h.transport.resetFrames()

	h.establisher.onFrame([]byte(`{"type":"response.function_call_arguments.done","name":"search_docs","call_id":"c7","arguments":"{}"}`))

	outputs := h.transport.framesOfType(t, ClientEventTypeConversationItemCreate)
	require.Len(t, outputs, 1)
	item := outputs[0]["item"].(map[string]any)
	assert.Equal(t, "c7", item["call_id"])
	assert.Equal(t, `{"hits":3}`, item["output"])
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeResponseCreate), 1)
}

func TestVisibilityRestorationReconnects(t *testing.T) {
	vis := NewManualVisibility(true)
	h := newSessionHarness(t, func(o *SessionOptions) { o.Visibility = vis })
	h.connect(t)

	vis.Set(false)
	h.establisher.onLink(LinkFailed)
	h.waitStatus(t, false)
	// Hidden page: the attempt is deferred, not burned.
	assert.Empty(t, h.timers.recorded())
	assert.Equal(t, 0, h.session.ReconnectAttempts())

	vis.Set(true)
	h.waitStatus(t, true)
	assert.Equal(t, 2, h.establisher.callCount())

	// A repeated visible signal must not dial a third transport.
	vis.Set(false)
	vis.Set(true)
	assert.Equal(t, 2, h.establisher.callCount())
}

func TestLinkSignalDuringDialKeepsSingleTransport(t *testing.T) {
	h := newSessionHarness(t)
	h.establisher.block = make(chan struct{})
	h.session.Connect()
	require.Eventually(t, func() bool {
		return h.establisher.callCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The establishing peer connection hiccups while the dial is in flight;
	// the dial's own error path owns recovery, so nothing is scheduled.
	h.establisher.onLink(LinkDisconnected)

	assert.True(t, h.session.Connecting())
	assert.Empty(t, h.timers.recorded())

	close(h.establisher.block)
	h.waitStatus(t, true)
	assert.Equal(t, 1, h.establisher.callCount())
	assert.Empty(t, h.statusC)
}

func TestStaleLinkSignalAfterReconnectIgnored(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)
	oldLink := h.establisher.onLink

	oldLink(LinkFailed)
	h.waitStatus(t, false)
	require.Len(t, h.timers.recorded(), 1)
	h.fireTimer(t, 2) // backoff timer schedules the settle timer
	h.fireTimer(t, 0) // settle timer redials
	h.waitStatus(t, true)
	require.Equal(t, 2, h.establisher.callCount())

	// Closing the superseded peer connection fires a late closed signal.
	oldLink(LinkClosed)

	assert.True(t, h.session.Connected())
	assert.Len(t, h.timers.recorded(), 2)
	assert.Equal(t, 0, h.session.ReconnectAttempts())
	assert.Empty(t, h.statusC)
}

func TestConnectSuccessNeutralizesPendingRetry(t *testing.T) {
	h := newSessionHarness(t)
	h.establisher.err = errors.New("ice failed")
	h.session.Connect()
	h.waitError(t)
	require.Eventually(t, func() bool {
		return len(h.timers.recorded()) == 1
	}, time.Second, 10*time.Millisecond)

	// An explicit reconnect succeeds before the backoff fires.
	h.establisher.err = nil
	h.session.Connect()
	h.waitStatus(t, true)

	// The stale backoff firing anyway must not touch the healthy transport.
	h.fireTimer(t, 0)
	assert.True(t, h.session.Connected())
	assert.Len(t, h.timers.recorded(), 1)
	assert.Equal(t, 2, h.establisher.callCount())
	h.transport.mu.Lock()
	closed := h.transport.closed
	h.transport.mu.Unlock()
	assert.False(t, closed)
}

func TestContextReappliedWhenFirstSendFails(t *testing.T) {
	h := newSessionHarness(t)
	h.transport.setSendErr(errors.New("data channel not open"))
	h.session.SetContext("doc-1", "relevant content")
	h.session.Connect()
	h.waitStatus(t, true)
	assert.Empty(t, h.transport.framesOfType(t, ClientEventTypeSessionUpdate))

	// The channel opens and traffic starts flowing; the pending config goes
	// out before anything else.
	h.transport.setSendErr(nil)
	h.establisher.onFrame([]byte(`{"type":"session.created"}`))

	updates := h.transport.framesOfType(t, ClientEventTypeSessionUpdate)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0]["session"].(map[string]any)["instructions"], "relevant content")

	// Delivered once; later frames do not repeat it.
	h.establisher.onFrame([]byte(`{"type":"session.created"}`))
	assert.Len(t, h.transport.framesOfType(t, ClientEventTypeSessionUpdate), 1)
}

func TestSendTextAfterClose(t *testing.T) {
	h := newSessionHarness(t)
	h.connect(t)

	require.NoError(t, h.session.Close())

	assert.ErrorIs(t, h.session.SendText("hello"), shared.ErrSessionClosed)
}

func TestVisibilityIgnoredAfterManualDisconnect(t *testing.T) {
	vis := NewManualVisibility(true)
	h := newSessionHarness(t, func(o *SessionOptions) { o.Visibility = vis })
	h.connect(t)
	h.session.Disconnect()
	h.waitStatus(t, false)

	vis.Set(false)
	vis.Set(true)

	assert.Equal(t, 1, h.establisher.callCount())
}
