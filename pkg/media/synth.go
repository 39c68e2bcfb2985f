package media

import (
	"math"
	"math/rand"
	"time"
)

// Silence returns d of digital silence.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, BytesFor(d, sampleRate))
}

// Tone returns a sine wave at freqHz with peak amplitude in [0, 32767].
func Tone(freqHz float64, d time.Duration, amplitude float64, sampleRate int) []byte {
	n := BytesFor(d, sampleRate) / BytesPerSample
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = clamp16(amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return SamplesToBytes(samples)
}

// WhiteNoise returns uniformly distributed noise with the given RMS. The same seed
// always produces the same buffer.
func WhiteNoise(d time.Duration, rms float64, sampleRate int, seed int64) []byte {
	n := BytesFor(d, sampleRate) / BytesPerSample
	rng := rand.New(rand.NewSource(seed))
	// uniform on [-a, a] has RMS a/sqrt(3)
	a := rms * math.Sqrt(3)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = clamp16((rng.Float64()*2 - 1) * a)
	}
	return SamplesToBytes(samples)
}

// MixWithNoise adds white noise to signal so the result has roughly snrDB
// signal-to-noise ratio, measured against the signal's overall RMS.
func MixWithNoise(signal []byte, snrDB float64, sampleRate int, seed int64) []byte {
	samples := BytesToSamples(signal)
	signalRMS := RMS(samples)
	if signalRMS == 0 {
		return append([]byte(nil), signal...)
	}

	noiseRMS := signalRMS / math.Pow(10, snrDB/20)
	noise := BytesToSamples(WhiteNoise(Duration(signal, sampleRate), noiseRMS, sampleRate, seed))

	out := make([]int16, len(samples))
	for i, s := range samples {
		var nv int16
		if i < len(noise) {
			nv = noise[i]
		}
		out[i] = clamp16(float64(s) + float64(nv))
	}
	return SamplesToBytes(out)
}

// SNR returns 20*log10(signalRMS/noiseRMS). A silent noise floor yields +Inf.
func SNR(signalRMS, noiseRMS float64) float64 {
	if noiseRMS <= 0 {
		return math.Inf(1)
	}
	if signalRMS <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(signalRMS/noiseRMS)
}
