package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no session config provided")
	ErrNoCredential         = errors.New("no ephemeral credential provided")
	ErrNoEstablisher        = errors.New("no transport establisher provided")
	ErrNotConnected         = errors.New("session not connected")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionExists        = errors.New("session id already registered")
	ErrSessionNotFound      = errors.New("session id not registered")
	ErrHandlerAlreadySet    = errors.New("handler already set")
	ErrEmptyFrame           = errors.New("empty frame")
	ErrMissingType          = errors.New("frame has no type field")
	ErrMicUnavailable       = errors.New("microphone unavailable")
	ErrPlaybackBlocked      = errors.New("audio playback blocked, user gesture required")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrCredentialRejected   = errors.New("ephemeral credential rejected")
	ErrAnswerExchangeFailed = errors.New("offer/answer exchange failed")
)
