package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is one fixed-size block of microphone samples as delivered by an
// [InputStream]. Samples are mono float32 values in [-1, 1].
type Frame struct {
	Samples []float32

	// SampleRate in Hz (16000 for the capture path).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(f.Samples)) * int64(time.Second) / int64(f.SampleRate))
}

// Buffer is decoded, playable audio held as planar float32 channels.
// Every channel slice has the same length.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Channels returns the number of channels in the buffer.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration is Frames divided by SampleRate, rounded up to the next
// nanosecond. Rounding up means durations summed back to back never fall
// short of the frames they cover.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	rate := int64(b.SampleRate)
	return time.Duration((int64(b.Frames())*int64(time.Second) + rate - 1) / rate)
}

// Sample returns the value of channel ch at frame i, mapping output channels
// onto the buffer's channels when the counts differ. Out-of-range frames read
// as silence.
func (b *Buffer) Sample(ch, i int) float32 {
	n := len(b.Data)
	if n == 0 || i < 0 || i >= len(b.Data[0]) {
		return 0
	}
	return b.Data[ch%n][i]
}
