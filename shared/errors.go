package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoBroker              = errors.New("no credential broker provided")
	ErrNoMedia               = errors.New("no media source provided")
	ErrNoDialer              = errors.New("no dialer provided")
	ErrInvalidConfig         = errors.New("invalid config")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotActive      = errors.New("session not active")
	ErrSessionStopped        = errors.New("session stopped")
	ErrSessionClosed         = errors.New("session closed")
	ErrUnknownInstruction    = errors.New("unknown instruction")
)

// Session start failures. None of them is retried.
var (
	ErrCredential       = errors.New("credential error")
	ErrMediaAcquisition = errors.New("media acquisition error")
	ErrNegotiation      = errors.New("negotiation error")
)

// Event channel failures. The offending message is dropped and the session keeps running.
var (
	ErrChannelNotOpen   = errors.New("event channel not open")
	ErrMalformedMessage = errors.New("malformed message")
)
