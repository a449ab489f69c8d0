package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const dataChannelLabel = "oai-events"

// Client dials the vendor endpoint over WebRTC: one peer connection with the
// microphone track, the remote audio track and the event data channel.
type Client struct {
	logger    shared.LoggerAdapter
	signalUrl *url.URL
	model     string
	http      *fasthttp.Client
	sink      AudioSink
}

var _ Dialer = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(hc *fasthttp.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAudioSink plays inbound remote audio. Without a sink it is ignored.
func WithAudioSink(sink AudioSink) ClientOption {
	return func(c *Client) { c.sink = sink }
}

func NewClient(logger shared.LoggerAdapter, cfg Config, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	signalUrl, err := url.Parse(cfg.SignalingURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling URL: %w", err)
	}
	c := &Client{
		logger:    logger.With(zap.String("component", "webrtc")),
		signalUrl: signalUrl,
		model:     cfg.Model,
		http:      &fasthttp.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial negotiates a connection authenticated with secret. ctx bounds the
// negotiation only; the returned connection lives until Close or failure.
func (c *Client) Dial(ctx context.Context, secret string, mic AudioSource, h Handler) (Conn, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", shared.ErrCredential)
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("%w: creating peer connection: %w", shared.ErrNegotiation, err)
	}
	connCtx, cancel := context.WithCancelCause(context.Background())

	// closeOnce guards HandleClose. Consuming it silences the handler.
	var closeOnce sync.Once
	silence := func() { closeOnce.Do(func() {}) }
	closed := func(err error) {
		closeOnce.Do(func() {
			cancel(errors.New("connection ended"))
			h.HandleClose(err)
		})
	}
	fail := func(msg string, err error) (Conn, error) {
		silence()
		cancel(err)
		if cerr := pc.Close(); cerr != nil {
			c.logger.Error("closing peer connection failed", cerr)
		}
		return nil, fmt.Errorf("%w: %s: %w", shared.ErrNegotiation, msg, err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fail("creating local audio track", err)
	}
	if _, err = pc.AddTrack(audio); err != nil {
		return fail("adding audio track to peer connection", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || c.sink == nil {
			return
		}
		go c.sink.Play(connCtx, track)
	})

	var streamOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if mic != nil {
				streamOnce.Do(func() { go mic.Stream(connCtx, audio) })
			}
		case webrtc.PeerConnectionStateDisconnected:
			c.logger.Warn("peer connection disconnected")
		case webrtc.PeerConnectionStateFailed:
			closed(errors.New("peer connection state is failed"))
		case webrtc.PeerConnectionStateClosed:
			closed(nil)
		}
	})

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fail("creating data channel", err)
	}
	dc.OnOpen(func() {
		c.logger.Info("data channel opened")
		h.HandleOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel", zap.Int("size", len(msg.Data)))
			return
		}
		h.HandleMessage(msg.Data)
	})
	dc.OnClose(func() { closed(nil) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("creating offer", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return fail("setting local description", err)
	}
	answer, err := c.exchange(ctx, secret, offer.SDP)
	if err != nil {
		return fail("exchanging session description", err)
	}
	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fail("setting remote description", err)
	}
	return &peerConn{
		pc:      pc,
		dc:      dc,
		cancel:  cancel,
		silence: silence,
	}, nil
}

// exchange posts the offer to the signaling endpoint and returns the answer.
func (c *Client) exchange(ctx context.Context, secret, offer string) (string, error) {
	u := *c.signalUrl
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	status, body, err := shared.DoContext(ctx, c.http, req)
	if err != nil {
		return "", fmt.Errorf("performing HTTP request: %w", err)
	}
	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}
	var answer sdp.SessionDescription
	if err := answer.Unmarshal(body); err != nil {
		return "", fmt.Errorf("malformed answer: %w", err)
	}
	if len(answer.MediaDescriptions) == 0 {
		return "", errors.New("malformed answer: no media sections")
	}
	return string(body), nil
}

type peerConn struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	cancel  context.CancelCauseFunc
	silence func()
}

var _ Conn = (*peerConn)(nil)

func (p *peerConn) Open() bool {
	return p.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes data as one text frame.
func (p *peerConn) Send(data []byte) error {
	if !p.Open() {
		return shared.ErrChannelNotOpen
	}
	return p.dc.SendText(string(data))
}

// Close releases the connection without calling back into the handler.
func (p *peerConn) Close() error {
	p.silence()
	p.cancel(errors.New("connection closed"))
	return errors.Join(p.dc.Close(), p.pc.Close())
}
