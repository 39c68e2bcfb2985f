package media

// Resample converts samples between rates by linear interpolation.
// Good enough for speech going through VAD, telephony and STT.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return []int16{}
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if newLen == 0 {
		return []int16{}
	}

	result := make([]int16, newLen)
	last := len(samples) - 1
	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= last {
			result[i] = samples[last]
			continue
		}
		frac := srcPos - float64(srcIdx)
		s1 := float64(samples[srcIdx])
		s2 := float64(samples[srcIdx+1])
		result[i] = clamp16(s1 + frac*(s2-s1))
	}
	return result
}

// ResampleBytes resamples a PCM16 little-endian buffer.
func ResampleBytes(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), fromRate, toRate))
}
