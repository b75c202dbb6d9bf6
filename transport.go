package realtime

import (
	"context"
	"sync"
)

// LinkState is the transport health signal fed into the reconnection policy.
type LinkState int

const (
	LinkConnected LinkState = iota
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type FrameHandler func(frame []byte)

type LinkStateHandler func(state LinkState)

// Transport is the live handle set for one connection attempt: media
// connection, data channel and (lazily) the microphone capture. Handles are
// never reused; every reconnect closes the old Transport and establishes a
// fresh one.
type Transport interface {
	// Send writes one frame to the ordered, reliable data channel.
	Send(frame []byte) error
	// StartCapture acquires the microphone and begins streaming it into the
	// connection. Idempotent while capturing.
	StartCapture() error
	// StopCapture releases the microphone. Safe to call when not capturing.
	StopCapture()
	Close() error
}

// Establisher negotiates a media+data connection with the remote realtime
// endpoint given a short-lived credential. onFrame receives every data
// channel frame, onLink every transport health transition.
type Establisher interface {
	Establish(ctx context.Context, credential string, onFrame FrameHandler, onLink LinkStateHandler) (Transport, error)
}

// Visibility reports whether the hosting surface is in the foreground. The
// reconnection policy defers unforced attempts while hidden and connects
// immediately on the hidden-to-visible transition.
type Visibility interface {
	Visible() bool
	OnVisible(fn func())
}

type alwaysVisible struct{}

func (alwaysVisible) Visible() bool    { return true }
func (alwaysVisible) OnVisible(func()) {}

// ManualVisibility lets an embedding UI feed foreground/background
// transitions into the session.
type ManualVisibility struct {
	mu      sync.Mutex
	visible bool
	fns     []func()
}

func NewManualVisibility(visible bool) *ManualVisibility {
	return &ManualVisibility{visible: visible}
}

func (v *ManualVisibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *ManualVisibility) OnVisible(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fns = append(v.fns, fn)
}

// Set records the new visibility and fires the registered callbacks on a
// hidden-to-visible transition.
func (v *ManualVisibility) Set(visible bool) {
	v.mu.Lock()
	restored := visible && !v.visible
	v.visible = visible
	fns := v.fns
	v.mu.Unlock()
	if restored {
		for _, fn := range fns {
			fn()
		}
	}
}
