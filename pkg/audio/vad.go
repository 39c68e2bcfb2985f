package audio

import (
	"math"
	"sync"
)

// DefaultEnergyThreshold is the normalized mean-square energy above which a chunk
// counts as speech. It corresponds to an RMS of roughly 330 on the int16 scale.
const DefaultEnergyThreshold = 0.0001

// VADConfig configures the streaming energy detector.
type VADConfig struct {
	// Threshold is the normalized energy (mean of squared samples scaled to [-1, 1]).
	Threshold float64
	// HoldChunks keeps speech active for this many quiet chunks after energy drops.
	HoldChunks int
	// AdaptiveFloor raises the effective threshold to twice the tracked noise floor.
	AdaptiveFloor bool
}

// DefaultVADConfig returns the detector settings used by the turn collector.
func DefaultVADConfig() VADConfig {
	return VADConfig{Threshold: DefaultEnergyThreshold}
}

// VoiceActivityDetector classifies PCM16 chunks as speech or silence by energy.
// It is cheap enough to run on every inbound chunk.
type VoiceActivityDetector struct {
	threshold     float64
	holdTime      int
	adaptiveFloor bool

	holdCounter   int
	isVoiceActive bool
	noiseFloor    float64
	avgEnergy     float64

	mu sync.Mutex
}

// NewVoiceActivityDetector creates a new streaming VAD
func NewVoiceActivityDetector(config VADConfig) *VoiceActivityDetector {
	if config.Threshold <= 0 {
		config.Threshold = DefaultEnergyThreshold
	}
	if config.HoldChunks < 0 {
		config.HoldChunks = 0
	}
	return &VoiceActivityDetector{
		threshold:     config.Threshold,
		holdTime:      config.HoldChunks,
		adaptiveFloor: config.AdaptiveFloor,
	}
}

// IsSpeech updates the detector with one chunk and reports whether it is voiced.
func (v *VoiceActivityDetector) IsSpeech(pcm []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	energy := CalculateEnergy(pcm)
	v.avgEnergy = 0.95*v.avgEnergy + 0.05*energy
	v.detectVoice(energy)
	return v.isVoiceActive
}

func (v *VoiceActivityDetector) detectVoice(energy float64) {
	effectiveThreshold := v.threshold
	if v.adaptiveFloor {
		effectiveThreshold = math.Max(v.threshold, v.noiseFloor*2.0)
	}

	if energy > effectiveThreshold {
		v.isVoiceActive = true
		v.holdCounter = v.holdTime
		return
	}

	if v.holdCounter > 0 {
		v.holdCounter--
		v.isVoiceActive = true
		return
	}

	v.isVoiceActive = false
	// slow adaptation so low-level speech is not absorbed into the floor
	v.noiseFloor = 0.99*v.noiseFloor + 0.01*energy
}

// IsVoiceActive returns the state after the last chunk.
func (v *VoiceActivityDetector) IsVoiceActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isVoiceActive
}

// NoiseFloor returns the tracked normalized energy of non-speech chunks.
func (v *VoiceActivityDetector) NoiseFloor() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.noiseFloor
}

// Reset clears all state.
func (v *VoiceActivityDetector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holdCounter = 0
	v.isVoiceActive = false
	v.noiseFloor = 0
	v.avgEnergy = 0
}

// CalculateEnergy returns the mean squared amplitude of a PCM16 LE buffer,
// with samples normalized to [-1, 1].
func CalculateEnergy(data []byte) float64 {
	samples := len(data) / 2
	if samples == 0 {
		return 0
	}

	total := 0.0
	for i := 0; i < samples; i++ {
		sample := int16(data[2*i]) | int16(data[2*i+1])<<8
		f := float64(sample) / 32768.0
		total += f * f
	}
	return total / float64(samples)
}
