// Package audio holds the raw PCM plumbing shared by every scriberelay
// session: the per-session chunk [Queue] and the [Format] description of the
// fixed relay encoding.
//
// This package lives under pkg/ because ingress adapters outside this module
// are expected to feed a [Queue] directly.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the width of one signed 16-bit little-endian sample.
const bytesPerSample = 2

// Format describes the sample rate and channel count of an s16le PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// PCM16kMono is the encoding every chunk entering the relay must use.
var PCM16kMono = Format{SampleRate: 16000, Channels: 1}

// FrameSize returns the number of bytes in one multi-channel sample frame.
func (f Format) FrameSize() int {
	return bytesPerSample * max(f.Channels, 1)
}

// BytesPerSecond returns the byte rate of a stream in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the play time of n bytes of PCM in this format. Trailing
// bytes that do not form a full sample frame are ignored.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || n <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Aligned reports whether n bytes hold a whole number of sample frames.
func (f Format) Aligned(n int) bool {
	return n%f.FrameSize() == 0
}

// String returns e.g. "16000Hz/mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz/%s", f.SampleRate, ch)
}
