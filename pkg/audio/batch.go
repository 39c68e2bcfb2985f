package audio

import (
	"errors"
	"math"
	"sync"

	"voiceprobe/pkg/media"
)

// ErrVADNotInitialized is returned when the batch detector is used outside Init/Destroy.
var ErrVADNotInitialized = errors.New("batch VAD not initialized")

// SpeechSegment is one detected utterance, relative to the start of the analysed buffer.
type SpeechSegment struct {
	StartMs         float64 `json:"start_ms"`
	EndMs           float64 `json:"end_ms"`
	MeanProbability float64 `json:"mean_probability"`
}

// DurationMs returns the segment length.
func (s SpeechSegment) DurationMs() float64 {
	return s.EndMs - s.StartMs
}

// FrameDetector scores a single fixed-size 16 kHz frame.
type FrameDetector interface {
	Analyze(frame []int16) (probability float64, voiced bool)
	Reset()
	Close() error
}

// BatchVADConfig controls frame size and hysteresis.
type BatchVADConfig struct {
	InputSampleRate int
	FrameSize       int
	OnsetFrames     int
	OffsetFrames    int
	// NewDetector builds the frame scorer on Init. Defaults to an energy scorer.
	NewDetector func() (FrameDetector, error)
}

// DefaultBatchVADConfig is 256-sample frames at 16 kHz with 3-frame onset and 15-frame offset.
func DefaultBatchVADConfig() BatchVADConfig {
	return BatchVADConfig{
		InputSampleRate: media.EngineSampleRate,
		FrameSize:       256,
		OnsetFrames:     3,
		OffsetFrames:    15,
	}
}

// BatchVAD runs an offline, deterministic pass over a complete buffer.
// It must be initialized once and destroyed once.
type BatchVAD struct {
	cfg      BatchVADConfig
	detector FrameDetector
	mu       sync.Mutex
}

// NewBatchVAD creates an uninitialized batch detector.
func NewBatchVAD(cfg BatchVADConfig) *BatchVAD {
	def := DefaultBatchVADConfig()
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = def.InputSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.OnsetFrames <= 0 {
		cfg.OnsetFrames = def.OnsetFrames
	}
	if cfg.OffsetFrames <= 0 {
		cfg.OffsetFrames = def.OffsetFrames
	}
	if cfg.NewDetector == nil {
		cfg.NewDetector = func() (FrameDetector, error) { return NewEnergyFrameDetector(), nil }
	}
	return &BatchVAD{cfg: cfg}
}

// Init acquires the frame detector.
func (b *BatchVAD) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detector != nil {
		return errors.New("batch VAD already initialized")
	}
	d, err := b.cfg.NewDetector()
	if err != nil {
		return err
	}
	b.detector = d
	return nil
}

// Destroy releases the frame detector. A second call returns ErrVADNotInitialized.
func (b *BatchVAD) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detector == nil {
		return ErrVADNotInitialized
	}
	err := b.detector.Close()
	b.detector = nil
	return err
}

// FrameMs is the duration of one analysis frame.
func (b *BatchVAD) FrameMs() float64 {
	return float64(b.cfg.FrameSize) * 1000 / float64(media.VADSampleRate)
}

// Analyze returns ordered, non-overlapping speech segments for pcm at the
// configured input rate. A trailing partial frame is ignored.
func (b *BatchVAD) Analyze(pcm []byte) ([]SpeechSegment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detector == nil {
		return nil, ErrVADNotInitialized
	}
	b.detector.Reset()

	samples := media.Resample(media.BytesToSamples(pcm), b.cfg.InputSampleRate, media.VADSampleRate)
	frameCount := len(samples) / b.cfg.FrameSize
	if frameCount == 0 {
		return []SpeechSegment{}, nil
	}

	probs := make([]float64, frameCount)
	voiced := make([]bool, frameCount)
	for i := 0; i < frameCount; i++ {
		frame := samples[i*b.cfg.FrameSize : (i+1)*b.cfg.FrameSize]
		probs[i], voiced[i] = b.detector.Analyze(frame)
	}

	return b.segments(probs, voiced), nil
}

func (b *BatchVAD) segments(probs []float64, voiced []bool) []SpeechSegment {
	frameMs := b.FrameMs()
	segments := []SpeechSegment{}

	inSpeech := false
	voicedRun, silentRun := 0, 0
	runStart, segStart := 0, 0

	closeSegment := func(endFrame int) {
		sum := 0.0
		for i := segStart; i < endFrame; i++ {
			sum += probs[i]
		}
		segments = append(segments, SpeechSegment{
			StartMs:         float64(segStart) * frameMs,
			EndMs:           float64(endFrame) * frameMs,
			MeanProbability: sum / float64(endFrame-segStart),
		})
	}

	for i, v := range voiced {
		if !inSpeech {
			if !v {
				voicedRun = 0
				continue
			}
			if voicedRun == 0 {
				runStart = i
			}
			voicedRun++
			if voicedRun >= b.cfg.OnsetFrames {
				inSpeech = true
				segStart = runStart
				silentRun = 0
			}
			continue
		}

		if v {
			silentRun = 0
			continue
		}
		silentRun++
		if silentRun >= b.cfg.OffsetFrames {
			closeSegment(i - silentRun + 1)
			inSpeech = false
			voicedRun = 0
			silentRun = 0
		}
	}

	if inSpeech {
		closeSegment(len(voiced) - silentRun)
	}
	return segments
}

// EnergyFrameDetector maps frame loudness in dBFS onto a [0, 1] probability:
// -60 dBFS and below is 0, -20 dBFS and above is 1, voiced from 0.5 (-40 dBFS).
type EnergyFrameDetector struct {
	floorDB float64
	rangeDB float64
}

// NewEnergyFrameDetector returns the default frame scorer.
func NewEnergyFrameDetector() *EnergyFrameDetector {
	return &EnergyFrameDetector{floorDB: -60, rangeDB: 40}
}

// Analyze scores one frame.
func (d *EnergyFrameDetector) Analyze(frame []int16) (float64, bool) {
	rms := media.RMS(frame)
	if rms <= 0 {
		return 0, false
	}
	db := 20 * math.Log10(rms/32768.0)
	p := (db - d.floorDB) / d.rangeDB
	p = math.Max(0, math.Min(1, p))
	return p, p >= 0.5
}

// Reset is a no-op; the energy scorer is stateless.
func (d *EnergyFrameDetector) Reset() {}

// Close is a no-op.
func (d *EnergyFrameDetector) Close() error { return nil }
