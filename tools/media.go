package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

var (
	_ realtime.Media     = (*Microphone)(nil)
	_ realtime.AudioSink = (*Speaker)(nil)
)

// Microphone opens the default capture device, Opus encoded, once per Acquire.
type Microphone struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
}

func NewMicrophone(logger shared.LoggerAdapter, sampleRate, channels int) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: microphone format must be positive", shared.ErrInvalidConfig)
	}
	return &Microphone{
		logger:     logger.With(zap.String("component", "microphone")),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (m *Microphone) Acquire(ctx context.Context) (realtime.AudioSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.sampleRate)
			c.ChannelCount = prop.Int(m.channels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track in microphone stream")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	m.logger.Info("microphone acquired", zap.String("track", tracks[0].ID()))
	return &micSource{
		logger:        m.logger,
		track:         tracks[0],
		frameDuration: time.Duration(opusParams.Latency),
	}, nil
}

type micSource struct {
	logger        shared.LoggerAdapter
	track         mediadevices.Track
	frameDuration time.Duration
	stopOnce      sync.Once
}

func (s *micSource) Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	StreamLocalAudio(ctx, s.logger, track, s.track, s.frameDuration)
}

func (s *micSource) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.track.Close() })
	return err
}

// readBackoff is the pause after a failed read when no frame duration is known.
const readBackoff = 20 * time.Millisecond

type encodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
}

// StreamLocalAudio copies encoded frames from mediaTrack to track until ctx is
// done or the capture track ends.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	copyEncoded(ctx, logger, reader, track.WriteSample, frameDuration)
}

// copyEncoded moves frames from reader to write. Failed reads are retried
// after one frame so a broken device does not spin.
func copyEncoded(ctx context.Context, logger shared.LoggerAdapter, reader encodedReader, write func(media.Sample) error, frameDuration time.Duration) {
	backoff := frameDuration
	if backoff <= 0 {
		backoff = readBackoff
	}
	for ctx.Err() == nil {
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Error("reading from media track", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = write(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to track", err)
		}
	}
}
