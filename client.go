package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/notewave/realtime/shared"
	"github.com/notewave/realtime/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// RemoteAudioHandler receives the first remote audio track of a connection.
type RemoteAudioHandler func(track *webrtc.TrackRemote)

const (
	iceGatherTimeout = 5 * time.Second
	connectTimeout   = 15 * time.Second

	dataChannelLabel = "events"

	captureSampleRate = 48000
	captureChannels   = 1
	captureSampleSize = 16
)

// defaultSTUNServers is the discovery server pool configured on every peer
// connection.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// WebRTCEstablisher negotiates peer connections against the remote realtime
// endpoint. One establisher serves many connection attempts; every Establish
// call produces a fresh, independent Transport.
type WebRTCEstablisher struct {
	logger      shared.LoggerAdapter
	endpoint    *url.URL
	stunServers []string
	remoteAudio RemoteAudioHandler

	// do is swapped out by tests.
	do func(req *fasthttp.Request, resp *fasthttp.Response) error
}

var _ Establisher = (*WebRTCEstablisher)(nil)

// NewWebRTCEstablisher builds an establisher for the given realtime endpoint
// URL. remoteAudio may be nil when the caller does not play audio.
func NewWebRTCEstablisher(logger shared.LoggerAdapter, endpoint string, remoteAudio RemoteAudioHandler) (*WebRTCEstablisher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime endpoint URL: %w", err)
	}
	return &WebRTCEstablisher{
		logger:      logger,
		endpoint:    u,
		stunServers: defaultSTUNServers,
		remoteAudio: remoteAudio,
		do:          fasthttp.Do,
	}, nil
}

// Establish runs the full handshake: microphone permission probe, peer
// connection with data channel and local audio track, SDP offer with bounded
// ICE gathering, offer/answer exchange authorized by the ephemeral
// credential, then a bounded wait for the connected state.
func (e *WebRTCEstablisher) Establish(ctx context.Context, credential string, onFrame FrameHandler, onLink LinkStateHandler) (Transport, error) {
	if credential == "" {
		return nil, shared.ErrNoCredential
	}

	// Permission probe. The actual constrained acquisition happens lazily in
	// StartCapture; this surfaces denial before any network work.
	probe, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrMicUnavailable, err)
	}
	for _, track := range probe.GetTracks() {
		if err := track.Close(); err != nil {
			e.logger.Warn("closing probe track", zap.Error(err))
		}
	}

	iceServers := make([]webrtc.ICEServer, 0, len(e.stunServers))
	for _, s := range e.stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{s}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &webrtcTransport{logger: e.logger, pc: pc}

	// Route the first remote audio track to the output sink immediately.
	var remoteOnce sync.Once
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		remoteOnce.Do(func() {
			e.logger.Info("remote audio track received", zap.String("codec", track.Codec().MimeType))
			if e.remoteAudio != nil {
				go e.remoteAudio(track)
			}
		})
	})

	connectedC := make(chan struct{})
	var connectedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectedOnce.Do(func() { close(connectedC) })
			onLink(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			onLink(LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			onLink(LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			onLink(LinkClosed)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateDisconnected:
			onLink(LinkDisconnected)
		case webrtc.ICEConnectionStateFailed:
			onLink(LinkFailed)
		case webrtc.ICEConnectionStateClosed:
			onLink(LinkClosed)
		}
	})

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	t.dc = dc
	dcOpenC := make(chan struct{})
	dc.OnOpen(func() {
		e.logger.Info("data channel opened")
		close(dcOpenC)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			e.logger.Warn("received non-string message on data channel")
			return
		}
		onFrame(msg.Data)
	})

	audioOut, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   captureSampleRate,
			Channels:    captureChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioOut); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	t.audioOut = audioOut

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		// Proceed with the candidates gathered so far.
		e.logger.Warn("ICE gathering timed out, using available candidates")
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	answer, err := e.exchangeOffer(ctx, credential, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %v", shared.ErrAnswerExchangeFailed, err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	// Some platforms fire connected slightly after this window closes, so a
	// timeout here logs and proceeds instead of failing.
	deadline := time.After(connectTimeout)
	select {
	case <-connectedC:
		select {
		case <-dcOpenC:
		case <-deadline:
			e.logger.Warn("data channel not open yet, proceeding")
		case <-ctx.Done():
			_ = pc.Close()
			return nil, ctx.Err()
		}
	case <-deadline:
		e.logger.Warn("connection establishment timed out, proceeding optimistically")
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
	return t, nil
}

// exchangeOffer POSTs the SDP offer to the remote realtime endpoint with the
// ephemeral credential as bearer auth and returns the raw SDP answer.
func (e *WebRTCEstablisher) exchangeOffer(ctx context.Context, credential, offerSDP string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(e.endpoint.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offerSDP)

	errC := make(chan error, 1)
	go func() {
		errC <- e.do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// The worker still writes into req and resp; hold them back from
		// the pools until it finishes.
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return "", ctx.Err()
	case err := <-errC:
		if err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", code, resp.Body())
	}
	return string(resp.Body()), nil
}

// webrtcTransport is the live handle set for one connection attempt.
type webrtcTransport struct {
	logger   shared.LoggerAdapter
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	audioOut *webrtc.TrackLocalStaticSample

	mu            sync.Mutex
	mic           mediadevices.Track
	captureCancel context.CancelFunc
}

var _ Transport = (*webrtcTransport)(nil)

func (t *webrtcTransport) Send(frame []byte) error {
	if t.dc == nil {
		return shared.ErrNotConnected
	}
	return t.dc.Send(frame)
}

// StartCapture acquires the microphone with the actual audio constraints and
// streams encoded samples into the local track. Idempotent while capturing.
func (t *webrtcTransport) StartCapture() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mic != nil {
		return nil
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(captureSampleRate)
			c.ChannelCount = prop.Int(captureChannels)
			c.SampleSize = prop.Int(captureSampleSize)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMicUnavailable, err)
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return fmt.Errorf("%w: no audio track in microphone stream", shared.ErrMicUnavailable)
	}
	t.mic = audioTracks[0]

	ctx, cancel := context.WithCancel(context.Background())
	t.captureCancel = cancel
	go tools.ForwardMicrophone(ctx, t.logger, t.audioOut, t.mic, time.Duration(opusParams.Latency))
	t.logger.Info("microphone capture started")
	return nil
}

// StopCapture releases the microphone. Safe to call when not capturing.
func (t *webrtcTransport) StopCapture() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.captureCancel != nil {
		t.captureCancel()
		t.captureCancel = nil
	}
	if t.mic != nil {
		if err := t.mic.Close(); err != nil {
			t.logger.Warn("closing microphone track", zap.Error(err))
		}
		t.mic = nil
		t.logger.Info("microphone capture stopped")
	}
}

func (t *webrtcTransport) Close() error {
	t.StopCapture()
	if t.pc != nil {
		return t.pc.Close()
	}
	return nil
}
