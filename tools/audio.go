package tools

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/notewave/realtime/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// PCMRing is a bounded PCM byte buffer between the network reader and the
// audio player. When full, the oldest audio is dropped so playback latency
// stays bounded.
type PCMRing struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	cap  int
}

func NewPCMRing(fixedCap int) *PCMRing {
	r := &PCMRing{
		buf: make([]byte, 0, fixedCap),
		cap: fixedCap,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Write appends data, dropping the oldest bytes when the ring would
// overflow. Returns how many bytes were dropped.
func (r *PCMRing) Write(data []byte) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if overflow := len(r.buf) + len(data) - r.cap; overflow > 0 {
		r.buf = r.buf[overflow:]
		dropped = overflow
	}
	r.buf = append(r.buf, data...)
	r.cond.Signal()
	return dropped
}

// Read blocks until data is available.
func (r *PCMRing) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 {
		r.cond.Wait()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// ForwardMicrophone streams encoded microphone samples into the local audio
// track until ctx is cancelled or the device closes.
func ForwardMicrophone(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mic mediadevices.Track, frameDuration time.Duration) {
	reader, err := mic.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating microphone reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			release()
			if err == io.EOF {
				return
			}
			logger.Error("reading from microphone", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to track", err)
		}
	}
}

// PlayRemoteAudio decodes the remote Opus track and plays it on the default
// output device until ctx is cancelled or the track ends. A failure to open
// the audio output is returned as shared.ErrPlaybackBlocked so the caller
// can ask for a user gesture instead of treating it as a connection error.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, otoBufferMs, ringBufferSeconds int) error {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating Opus decoder: %w", err)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(otoBufferMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrPlaybackBlocked, err)
	}
	ring := NewPCMRing(ringBufferSeconds * sampleRate * channels * 2)
	pcm := make([]int16, FrameSamples(time.Duration(otoBufferMs)*time.Millisecond, sampleRate, channels))

	<-ready
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading RTP packet: %w", err)
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Error("decoding Opus", err)
			continue
		}
		if dropped := ring.Write(PCM16LEBytes(pcm[:n*channels])); dropped > 0 {
			logger.Warn("playback buffer dropped audio", zap.Int("droppedBytes", dropped))
		}
	}
}
