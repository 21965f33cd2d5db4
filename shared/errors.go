package shared

import "errors"

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoDialer              = errors.New("no transport dialer provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
)

// Session failure taxonomy. Components wrap one of these so callers can
// classify a failure with errors.Is.
var (
	ErrDeviceUnavailable  = errors.New("audio device unavailable")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionDropped  = errors.New("connection dropped")
	ErrDecode             = errors.New("audio decode error")
	ErrUnresolvedCitation = errors.New("unresolved citation")
	ErrPlaybackFault      = errors.New("playback fault")
)
