// Package codec converts between microphone samples, the base64 wire format
// used by streaming speech endpoints, and playable [audio.Buffer] values.
//
// Outbound audio is little-endian signed 16-bit mono PCM at 16 kHz, carried
// as base64 with the MIME descriptor "audio/pcm;rate=16000". Inbound audio
// is the same encoding at the remote's output rate (24 kHz mono by default).
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// DefaultInputRate is the capture and outbound sample rate.
const DefaultInputRate = 16000

// DefaultOutputRate is the sample rate of synthesized inbound audio.
const DefaultOutputRate = 24000

// ErrMalformedPayload is wrapped by [DecodeInbound] when the payload is not
// valid base64.
var ErrMalformedPayload = errors.New("codec: malformed payload")

// WireFrame is one outbound audio message: base64 PCM plus its descriptor.
type WireFrame struct {
	Data       string
	MIMEType   string
	SampleRate int
}

// Samples decodes the frame back into int16 samples.
func (w WireFrame) Samples() ([]int16, error) {
	b, err := DecodeInbound(w.Data)
	if err != nil {
		return nil, err
	}
	return audio.BytesToInt16(b), nil
}

// MIMEType returns the PCM descriptor for the given rate.
func MIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// RateFromMIME parses the rate parameter of a PCM MIME type such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is absent
// or unparsable.
func RateFromMIME(mime string, fallback int) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// EncodeOutbound serialises 16 kHz int16 samples into a wire frame.
func EncodeOutbound(samples []int16) WireFrame {
	return EncodeOutboundRate(samples, DefaultInputRate)
}

// EncodeOutboundRate is [EncodeOutbound] for an arbitrary sample rate.
func EncodeOutboundRate(samples []int16, sampleRate int) WireFrame {
	return WireFrame{
		Data:       base64.StdEncoding.EncodeToString(audio.Int16ToBytes(samples)),
		MIMEType:   MIMEType(sampleRate),
		SampleRate: sampleRate,
	}
}

// EncodeFloat converts float mic samples with [audio.FloatToInt16] and
// encodes them at sampleRate.
func EncodeFloat(samples []float32, sampleRate int) WireFrame {
	return EncodeOutboundRate(audio.FloatsToInt16(samples), sampleRate)
}

// DecodeInbound decodes a base64 payload into raw bytes.
func DecodeInbound(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return b, nil
}

// ToAudioBuffer interprets b as little-endian int16 PCM interleaved across
// channels and returns planar float samples (v / 32768). Trailing bytes that
// do not form a complete frame are dropped. A channel count below one is
// treated as mono. ToAudioBuffer never fails; an empty input yields an empty
// buffer.
func ToAudioBuffer(b []byte, sampleRate, channels int) *audio.Buffer {
	if channels < 1 {
		channels = 1
	}
	frameBytes := channels * 2
	frames := len(b) / frameBytes

	buf := &audio.Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for c := range channels {
		buf.Data[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := i*frameBytes + c*2
			v := int16(uint16(b[off]) | uint16(b[off+1])<<8)
			buf.Data[c][i] = audio.Int16ToFloat(v)
		}
	}
	return buf
}

// Decode runs [DecodeInbound] then [ToAudioBuffer].
func Decode(payload string, sampleRate, channels int) (*audio.Buffer, error) {
	b, err := DecodeInbound(payload)
	if err != nil {
		return nil, err
	}
	return ToAudioBuffer(b, sampleRate, channels), nil
}
