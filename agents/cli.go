package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	pkg "github.com/notewave/realtime"
	"github.com/notewave/realtime/shared"
	"github.com/notewave/realtime/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CLIAgentOptions configures one interactive voice conversation.
type CLIAgentOptions struct {
	// BackendURL is the application backend that mints credentials and serves
	// document content.
	BackendURL string
	AuthToken  string
	// RealtimeEndpoint receives the SDP offer.
	RealtimeEndpoint string
	// DocumentID selects the document grounding the conversation. Optional.
	DocumentID string
	Config     *pkg.SessionConfig
	// BaseInstructions is the static prompt prefix.
	BaseInstructions string
	// OtoBufferMs and RingBufferSeconds tune remote audio playback.
	OtoBufferMs       int
	RingBufferSeconds int
}

// CLIAgent runs a push-to-talk voice conversation on the terminal. Enter
// starts and stops a recording turn, /voice switches to continuous mode,
// /text sends a typed message over the voice session.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	out        io.Writer
	session    *pkg.Session
	transcript *shared.Transcript

	done      chan struct{}
	closeOnce sync.Once
}

// Spawn wires the backend client, the WebRTC establisher and the session,
// connects, and starts the interactive loop. The returned channel closes when
// the conversation ends.
func (a *CLIAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, opts CLIAgentOptions) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Config == nil {
		return nil, shared.ErrNoConfig
	}
	a.logger = logger
	a.out = os.Stdout
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...")

	a.println("📋 Session Config")
	yamlBytes, err := yaml.MarshalWithOptions(opts.Config, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return nil, err
	}
	a.println(string(yamlBytes))

	backend, err := pkg.NewBackendClient(a.logger, opts.BackendURL, opts.AuthToken)
	if err != nil {
		a.logger.Error("creating backend client", err)
		return nil, err
	}

	establisher, err := pkg.NewWebRTCEstablisher(a.logger, opts.RealtimeEndpoint, func(track *webrtc.TrackRemote) {
		if err := tools.PlayRemoteAudio(ctx, a.logger, track, opts.OtoBufferMs, opts.RingBufferSeconds); err != nil {
			if errors.Is(err, shared.ErrPlaybackBlocked) {
				a.println("🔇 Audio playback unavailable on this device.")
			}
			a.logger.Error("playing remote audio", err)
		}
	})
	if err != nil {
		a.logger.Error("creating establisher", err)
		return nil, err
	}

	stdoutHook := shared.NewWriteCloser(nopCloser{os.Stdout})
	a.transcript, err = shared.NewTranscript(stdoutHook)
	if err != nil {
		a.logger.Error("creating transcript", err)
		return nil, err
	}

	a.session, err = pkg.NewSession(ctx, "cli", pkg.SessionOptions{
		Logger:           a.logger,
		Establisher:      establisher,
		Credentials:      backend,
		Config:           opts.Config,
		BaseInstructions: opts.BaseInstructions,
		Transcript:       a.transcript,
	})
	if err != nil {
		a.logger.Error("creating session", err)
		return nil, err
	}
	if err := a.session.RegisterStatusHandler(func(connected bool) {
		if connected {
			a.println("✅ Connected. Press Enter to talk, /help for commands.")
		} else {
			a.println("⚠️  Disconnected.")
		}
	}); err != nil {
		return nil, err
	}
	if err := a.session.RegisterErrorHandler(func(serr *pkg.SessionError) {
		a.println("❌ " + serr.Error())
	}); err != nil {
		return nil, err
	}
	if err := a.session.RegisterMessageHandler(func(ev *pkg.InboundEvent) {
		a.logger.Debug("server event", zap.String("type", ev.Type))
	}); err != nil {
		return nil, err
	}

	if opts.DocumentID != "" {
		a.println("📄 Fetching document " + opts.DocumentID + "...")
		content, err := backend.FetchDocumentContent(ctx, opts.DocumentID)
		if err != nil {
			a.logger.Error("fetching document content", err)
			return nil, err
		}
		a.session.SetContext(opts.DocumentID, content)
	}

	a.session.Connect()
	go a.readLoop(ctx)
	return a.done, nil
}

func (a *CLIAgent) readLoop(ctx context.Context) {
	defer a.closeOnce.Do(func() { close(a.done) })
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			if a.session.Recording() {
				a.session.StopRecording()
				a.println("🛑 Turn committed, waiting for response...")
			} else {
				a.session.StartRecording()
				if a.session.Recording() {
					a.println("🎤 Recording, press Enter to finish your turn.")
				}
			}
		case line == "/voice":
			a.session.ToggleVoiceMode()
			if a.session.VoiceModeEnabled() {
				a.println("🔁 Continuous voice mode on.")
				a.session.StartRecording()
			} else {
				a.println("🔁 Continuous voice mode off.")
			}
		case strings.HasPrefix(line, "/text "):
			if err := a.session.SendText(strings.TrimPrefix(line, "/text ")); err != nil {
				a.logger.Error("sending text message", err)
			}
		case line == "/reconnect":
			a.session.ForceReconnect()
		case line == "/help":
			a.println("Enter: start/stop a voice turn | /voice: continuous mode | /text <msg>: typed message | /reconnect | /quit")
		case line == "/quit":
			return
		default:
			a.println("Unknown command, /help lists the available ones.")
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading stdin", err)
	}
}

// Close ends the session and the interactive loop.
func (a *CLIAgent) Close() error {
	var err error
	if a.session != nil {
		err = a.session.Close()
	}
	a.closeOnce.Do(func() { close(a.done) })
	return err
}

// Done reports when the conversation has ended.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) println(s string) {
	if _, err := fmt.Fprintln(a.out, s); err != nil {
		a.logger.Warn("writing to terminal", zap.Error(err))
	}
}

// nopCloser keeps os.Stdout open when the transcript sink is closed.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
