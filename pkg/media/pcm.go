package media

import (
	"math"
	"time"
)

const (
	// EngineSampleRate is the wire format used everywhere inside the engine:
	// 16-bit signed little-endian PCM, mono.
	EngineSampleRate = 24000
	// TelephonySampleRate is the G.711 rate used by SIP and WebRTC PCMU adapters.
	TelephonySampleRate = 8000
	// VADSampleRate is the rate the batch voice detector runs at.
	VADSampleRate = 16000

	BytesPerSample = 2
)

// BytesToSamples converts PCM16 little-endian bytes to samples. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts samples to PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// DurationMs is the playback length of a PCM16 mono buffer.
func DurationMs(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/BytesPerSample) * 1000 / float64(sampleRate)
}

// Duration is DurationMs as a time.Duration.
func Duration(pcm []byte, sampleRate int) time.Duration {
	return time.Duration(DurationMs(pcm, sampleRate) * float64(time.Millisecond))
}

// BytesFor returns the byte length of d worth of PCM16 mono audio, sample aligned.
func BytesFor(d time.Duration, sampleRate int) int {
	samples := int(math.Round(d.Seconds() * float64(sampleRate)))
	return samples * BytesPerSample
}

// RMS returns the root mean square amplitude of samples on the int16 scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSBytes is RMS over a PCM16 byte buffer.
func RMSBytes(pcm []byte) float64 {
	return RMS(BytesToSamples(pcm))
}

// Chunk splits pcm into pieces of at most size bytes, keeping sample alignment.
func Chunk(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	if size%BytesPerSample != 0 {
		size++
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}

// Concat joins PCM buffers.
func Concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
