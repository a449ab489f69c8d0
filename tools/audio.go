package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded PCM queue between the RTP reader and the audio
// device. When full, the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. It returns io.EOF once the buffer is
// closed and drained.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// PCMBytes encodes 16-bit samples as little endian bytes.
func PCMBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Speaker plays remote Opus tracks on the default output device. The device
// context is created on first use and shared by every later track, since the
// audio backend allows only one per process.
type Speaker struct {
	logger            shared.LoggerAdapter
	otoBufferMs       int
	ringBufferSeconds int

	once       sync.Once
	otoCtx     *oto.Context
	otoErr     error
	sampleRate int
	channels   int
}

func NewSpeaker(logger shared.LoggerAdapter, otoBufferMs, ringBufferSeconds int) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if otoBufferMs <= 0 || ringBufferSeconds <= 0 {
		return nil, fmt.Errorf("%w: speaker buffer sizes must be positive", shared.ErrInvalidConfig)
	}
	return &Speaker{
		logger:            logger.With(zap.String("component", "speaker")),
		otoBufferMs:       otoBufferMs,
		ringBufferSeconds: ringBufferSeconds,
	}, nil
}

func (s *Speaker) context(sampleRate, channels int) (*oto.Context, error) {
	s.once.Do(func() {
		var ready chan struct{}
		s.otoCtx, ready, s.otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(s.otoBufferMs) * time.Millisecond,
		})
		if s.otoErr == nil {
			<-ready
			s.sampleRate, s.channels = sampleRate, channels
		}
	})
	if s.otoErr != nil {
		return nil, s.otoErr
	}
	if sampleRate != s.sampleRate || channels != s.channels {
		return nil, fmt.Errorf("track format %dHz/%dch does not match output %dHz/%dch",
			sampleRate, channels, s.sampleRate, s.channels)
	}
	return s.otoCtx, nil
}

// Play decodes track and plays it until ctx is done or the track ends.
func (s *Speaker) Play(ctx context.Context, track *webrtc.TrackRemote) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	s.logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		s.logger.Error("creating Opus decoder", err)
		return
	}
	otoCtx, err := s.context(sampleRate, channels)
	if err != nil {
		s.logger.Error("creating audio output", err)
		return
	}

	audioBuffer := NewAudioBuffer(PCMBytes16(time.Duration(s.ringBufferSeconds)*time.Second, sampleRate, channels))
	// 120ms is the longest Opus frame.
	pcm := make([]int16, FrameSamples(120*time.Millisecond, sampleRate, channels))
	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() {
		_ = audioBuffer.Close()
		_ = player.Close()
	}()
	for ctx.Err() == nil {
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			s.logger.Error("decoding Opus", err)
			continue
		}
		if dropped := audioBuffer.Write(PCMBytes(pcm[:n*channels])); dropped > 0 {
			s.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
