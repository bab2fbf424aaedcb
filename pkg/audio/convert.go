package audio

import (
	"encoding/binary"
	"fmt"
)

// Converter rewrites a stream of s16le PCM chunks from one [Format] into
// another. Chunks may be split anywhere: incomplete sample frames are held
// back until the next call, and the resampler keeps its phase across calls.
//
// A Converter is not safe for concurrent use.
type Converter struct {
	from, to Format

	carry []byte

	// Resampler state, in source frames relative to the current chunk.
	pos  float64
	prev []int16
}

// NewConverter returns a Converter from one format to another. Both formats
// must have a positive sample rate and one or two channels.
func NewConverter(from, to Format) (*Converter, error) {
	for _, f := range []Format{from, to} {
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
		}
		if f.Channels < 1 || f.Channels > 2 {
			return nil, fmt.Errorf("audio: unsupported channel count %d", f.Channels)
		}
	}
	return &Converter{from: from, to: to}, nil
}

// Passthrough reports whether Convert returns its input unchanged.
func (c *Converter) Passthrough() bool {
	return c.from == c.to
}

// Convert converts one chunk. The result may be empty when the chunk holds
// less than one sample frame or the resampler needs more input.
func (c *Converter) Convert(chunk []byte) []byte {
	if c.Passthrough() {
		return chunk
	}

	data := chunk
	if len(c.carry) > 0 {
		data = append(c.carry, chunk...)
		c.carry = nil
	}
	fs := c.from.FrameSize()
	if rem := len(data) % fs; rem > 0 {
		c.carry = append([]byte(nil), data[len(data)-rem:]...)
		data = data[:len(data)-rem]
	}

	samples := decode16(data)
	ch := c.from.Channels
	if c.to.Channels < ch {
		samples = StereoToMono(samples)
		ch = 1
	}
	if c.from.SampleRate != c.to.SampleRate {
		samples = c.resample(samples, ch)
	}
	if c.to.Channels > ch {
		samples = MonoToStereo(samples)
	}
	return encode16(samples)
}

// resample linearly interpolates interleaved samples with ch channels from
// the source rate to the target rate.
func (c *Converter) resample(in []int16, ch int) []int16 {
	n := len(in) / ch
	if n == 0 {
		return nil
	}
	step := float64(c.from.SampleRate) / float64(c.to.SampleRate)
	out := make([]int16, 0, int(float64(n)/step+2)*ch)

	frame := func(i int) []int16 {
		if i < 0 {
			return c.prev
		}
		return in[i*ch : i*ch+ch]
	}
	for c.pos <= float64(n-1) {
		i := int(c.pos)
		if c.pos < 0 {
			i = -1
		}
		frac := c.pos - float64(i)
		a := frame(i)
		b := a
		if i+1 < n {
			b = frame(i + 1)
		}
		for k := range ch {
			v := float64(a[k]) + (float64(b[k])-float64(a[k]))*frac
			out = append(out, int16(v))
		}
		c.pos += step
	}
	c.pos -= float64(n)
	c.prev = append(c.prev[:0], frame(n-1)...)
	return out
}

// MonoToStereo duplicates every sample into a left/right pair.
func MonoToStereo(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// StereoToMono averages each left/right pair into one sample.
func StereoToMono(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return out
}

func decode16(b []byte) []int16 {
	out := make([]int16, len(b)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func encode16(s []int16) []byte {
	out := make([]byte, len(s)*bytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
