package realtime

import "fmt"

// ErrorKind classifies a SessionError so callers can distinguish permission
// faults (not retryable until the user acts) from transport faults (handed to
// the reconnection policy) without string matching.
type ErrorKind int

const (
	ErrorKindPermission ErrorKind = iota
	ErrorKindAuth
	ErrorKindTransport
	ErrorKindReconnectExhausted
	ErrorKindPlayback
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindPermission:
		return "permission"
	case ErrorKindAuth:
		return "auth"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindReconnectExhausted:
		return "reconnect_exhausted"
	case ErrorKindPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// SessionError is what the error observer receives. Stage names the operation
// that failed (e.g. "credential", "offer", "microphone").
type SessionError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(kind ErrorKind, stage string, err error) *SessionError {
	return &SessionError{Kind: kind, Stage: stage, Err: err}
}
