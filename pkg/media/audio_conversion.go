package media

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// DecodeMuLaw expands G.711 mu-law bytes into int16 samples.
func DecodeMuLaw(payload []byte) []int16 {
	if len(payload) == 0 {
		return nil
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

// DecodeALaw expands G.711 a-law bytes into int16 samples.
func DecodeALaw(payload []byte) []int16 {
	if len(payload) == 0 {
		return nil
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = aLawDecodeTable[b]
	}
	return out
}

// EncodeMuLaw compresses int16 samples to G.711 mu-law.
func EncodeMuLaw(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// EncodeALaw compresses int16 samples to G.711 a-law.
func EncodeALaw(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeALawSample(s)
	}
	return out
}

// PCM24kToMuLaw8k converts engine-format audio to telephony mu-law.
func PCM24kToMuLaw8k(pcm []byte) []byte {
	return EncodeMuLaw(Resample(BytesToSamples(pcm), EngineSampleRate, TelephonySampleRate))
}

// MuLaw8kToPCM24k converts telephony mu-law to engine-format audio.
func MuLaw8kToPCM24k(payload []byte) []byte {
	return SamplesToBytes(Resample(DecodeMuLaw(payload), TelephonySampleRate, EngineSampleRate))
}

func encodeMuLawSample(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func encodeALawSample(sample int16) byte {
	pcm := int32(sample)
	mask := byte(0xD5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	var seg byte
	for seg = 0; seg < 8; seg++ {
		if pcm <= int32(0x100)<<seg-1 {
			break
		}
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	aval := seg << 4
	if seg < 2 {
		aval |= byte(pcm>>4) & 0x0F
	} else {
		aval |= byte(pcm>>(seg+3)) & 0x0F
	}
	return aval ^ mask
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := int16(aval & 0x80)
	exponent := (aval >> 4) & 0x07
	mantissa := aval & 0x0F

	magnitude := int16(mantissa) << 4
	switch exponent {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude = (magnitude + 0x108) << (exponent - 1)
	}

	// a-law stores the sign bit inverted relative to mu-law
	if sign == 0 {
		return -magnitude
	}
	return magnitude
}
