package audio

import "encoding/binary"

// FloatToInt16 converts a float sample in [-1, 1] to int16 by linear scaling
// with factor 32768. No dithering is applied. Values outside the int16 range
// (including exactly +1.0) are clamped.
func FloatToInt16(s float32) int16 {
	v := s * 32768
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	}
	return int16(v)
}

// Int16ToFloat is the inverse scaling used on the playback path: v / 32768.
func Int16ToFloat(v int16) float32 {
	return float32(v) / 32768
}

// FloatsToInt16 converts a block of float samples with [FloatToInt16].
func FloatsToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = FloatToInt16(s)
	}
	return out
}

// Int16ToBytes serialises samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToInt16 parses little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Downmix averages interleaved int samples with the given channel count into
// mono, clamping to the int16 range. Any trailing partial frame is dropped.
func Downmix(interleaved []int, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(interleaved))
		for i, s := range interleaved {
			out[i] = clamp16(int32(s))
		}
		return out
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(interleaved[i*channels+c])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// ResampleMono resamples mono int16 samples from srcRate to dstRate using
// linear interpolation. If the rates match (or either is invalid) the input
// is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleFloat resamples one planar float channel with linear interpolation.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
