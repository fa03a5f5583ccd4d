package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one fixed-size block of mono 16-bit PCM from the capture device.
type Frame struct {
	Samples   []int16
	Timestamp time.Time // capture time, carries the monotonic reading
	RMS       float64
	Muted     bool // duplex gate was muted when the frame was captured
}

// NewFrame copies samples and computes the frame energy.
func NewFrame(samples []int16, ts time.Time, muted bool) Frame {
	buf := make([]int16, len(samples))
	copy(buf, samples)
	return Frame{
		Samples:   buf,
		Timestamp: ts,
		RMS:       CalculateRMS(buf),
		Muted:     muted,
	}
}

// Bytes encodes the samples as little-endian LINEAR16.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// FrameDuration returns the playback time of frameSize samples at sampleRate.
func FrameDuration(frameSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
}

// SamplesToBytes converts PCM samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// CalculateRMS calculates the Root Mean Square (RMS) energy of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
