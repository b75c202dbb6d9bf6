package realtime

import (
	"math"
	"time"

	"github.com/notewave/realtime/shared"
	"go.uber.org/zap"
)

const (
	// MaxReconnectAttempts bounds automatic reconnection per outage.
	MaxReconnectAttempts = 5

	baseReconnectDelay   = 1000 * time.Millisecond
	forcedReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay    = 30 * time.Second

	// reconnectSettleDelay lets transport teardown finish before redialing.
	reconnectSettleDelay = 100 * time.Millisecond
)

// ReconnectDelay returns the backoff before attempt n (zero-based):
// min(base * 1.5^n, 30s). Forced reconnects start from a shorter base.
func ReconnectDelay(attempt int, forced bool) time.Duration {
	base := baseReconnectDelay
	if forced {
		base = forcedReconnectDelay
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// scheduleReconnect decides whether and when to redial. Manual disconnects
// suppress it entirely; a hidden page defers unforced attempts (the
// visibility observer redials on restore); exhausting the attempt budget
// surfaces one terminal error.
func (s *Session) scheduleReconnect(forced bool) {
	s.mu.Lock()
	if s.closed || s.manuallyDisconnected || s.reconnectPending || s.exhausted {
		s.mu.Unlock()
		return
	}
	if !forced && !s.visibility.Visible() {
		s.mu.Unlock()
		s.logger.Debug("page hidden, deferring reconnect")
		return
	}
	if forced {
		s.reconnectAttempts = 0
	}
	n := s.reconnectAttempts
	if n >= MaxReconnectAttempts {
		s.exhausted = true
		eh := s.eh
		s.mu.Unlock()
		s.logger.Error("giving up on reconnecting", shared.ErrReconnectExhausted, zap.Int("attempts", n))
		if eh != nil {
			eh(newSessionError(ErrorKindReconnectExhausted, "reconnect", shared.ErrReconnectExhausted))
		}
		return
	}
	s.reconnectAttempts = n + 1
	s.reconnectPending = true
	delay := ReconnectDelay(n, forced)
	s.reconnectTimer = s.afterFunc(delay, s.retryConnect)
	s.mu.Unlock()
	countReconnectAttempt()
	s.logger.Info("reconnect scheduled",
		zap.Int("attempt", n+1),
		zap.Duration("delay", delay),
		zap.Bool("forced", forced),
	)
}

// retryConnect runs when the backoff timer fires: tear down stale handles,
// then redial after a short settling delay. A dial already in flight or an
// established transport means the timer is stale, so it does nothing.
func (s *Session) retryConnect() {
	s.mu.Lock()
	s.reconnectPending = false
	s.reconnectTimer = nil
	if s.closed || s.manuallyDisconnected || s.connecting || s.connected {
		s.mu.Unlock()
		return
	}
	s.lastError = ""
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()
	if tr != nil {
		tr.StopCapture()
		if err := tr.Close(); err != nil {
			s.logger.Warn("closing stale transport before retry", zap.Error(err))
		}
	}
	s.afterFunc(reconnectSettleDelay, s.Connect)
}

// ForceReconnect tears the current transport down and redials with the
// attempt counter reset and the shorter forced backoff. Used when the caller
// knows the transport is stale (e.g. after device changes).
func (s *Session) ForceReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.connected = false
	s.connecting = false
	s.recording = false
	s.exhausted = false
	sh := s.sh
	s.mu.Unlock()
	if wasConnected && sh != nil {
		sh(false)
	}
	s.scheduleReconnect(true)
}
