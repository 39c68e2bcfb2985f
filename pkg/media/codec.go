package media

import "fmt"

// Static RTP payload types for G.711.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// CodecName identifies the codec of a static RTP payload type.
func CodecName(payloadType uint8) (string, error) {
	switch payloadType {
	case PayloadTypePCMU:
		return "PCMU", nil
	case PayloadTypePCMA:
		return "PCMA", nil
	default:
		return "", fmt.Errorf("unsupported payload type: %d", payloadType)
	}
}

// DecodeRTPPayload expands a G.711 RTP payload into 8 kHz samples.
func DecodeRTPPayload(payloadType uint8, payload []byte) ([]int16, error) {
	switch payloadType {
	case PayloadTypePCMU:
		return DecodeMuLaw(payload), nil
	case PayloadTypePCMA:
		return DecodeALaw(payload), nil
	default:
		return nil, fmt.Errorf("unsupported payload type: %d", payloadType)
	}
}

// EncodeRTPPayload compresses 8 kHz samples for payloadType.
func EncodeRTPPayload(payloadType uint8, samples []int16) ([]byte, error) {
	switch payloadType {
	case PayloadTypePCMU:
		return EncodeMuLaw(samples), nil
	case PayloadTypePCMA:
		return EncodeALaw(samples), nil
	default:
		return nil, fmt.Errorf("unsupported payload type: %d", payloadType)
	}
}
