package tools

import "time"

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCMBytes16 is the size in bytes of duration of 16-bit PCM.
func PCMBytes16(duration time.Duration, rate, channels int) int {
	return FrameSamples(duration, rate, channels) * 2
}
