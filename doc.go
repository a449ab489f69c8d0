// # Realtime Console
//
// Package realtime runs a voice session against the OpenAI Realtime API over WebRTC. A
// Session obtains a short-lived secret from a credential broker, captures the microphone,
// negotiates a peer connection and then exchanges JSON events over a data channel while
// the assistant's audio plays on the side.
//
// The session state machine keeps the newest-first event log, the current instruction
// (one of a fixed set of named personas) and the last function call the assistant made.
// Topic changes and recognized function calls switch the instruction and resend the
// session configuration. Everything runs on one loop goroutine per Session, so tests can
// drive it deterministically with fake brokers, media and dialers.
package realtime
