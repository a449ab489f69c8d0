package realtime

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Broker hands out short-lived credentials for the vendor API.
type Broker interface {
	Secret(ctx context.Context) (string, error)
}

// AudioSource is an acquired local microphone.
type AudioSource interface {
	// Stream writes captured audio to track until ctx is done.
	Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample)
	Stop() error
}

// Media acquires the local microphone.
type Media interface {
	Acquire(ctx context.Context) (AudioSource, error)
}

// AudioSink plays the remote audio track until ctx is done.
type AudioSink interface {
	Play(ctx context.Context, track *webrtc.TrackRemote)
}

// Handler receives the callbacks of one event channel. Calls for a single
// channel are made in order and never overlap.
type Handler interface {
	HandleOpen()
	HandleMessage(data []byte)
	// HandleClose reports the end of the channel or the connection under it.
	HandleClose(err error)
}

// Conn is a negotiated connection with its event channel.
type Conn interface {
	Channel
	Close() error
}

// Dialer negotiates a connection with the vendor endpoint.
type Dialer interface {
	Dial(ctx context.Context, secret string, mic AudioSource, h Handler) (Conn, error)
}
