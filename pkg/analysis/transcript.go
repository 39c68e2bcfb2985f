package analysis

import (
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)

var fillerWords = map[string]bool{
	"um": true, "uh": true, "er": true, "erm": true, "ah": true,
	"hmm": true, "mm": true, "uhm": true, "like": true,
}

var fillerPhrases = []string{"you know", "i mean", "sort of", "kind of"}

// Words lowercases s and splits it into words, dropping punctuation.
func Words(s string) []string {
	return wordPattern.FindAllString(strings.ToLower(s), -1)
}

// TranscriptQualityMetrics grades the agent's side of the transcript. Every
// field is optional and present only when its inputs exist.
type TranscriptQualityMetrics struct {
	WordErrorRate     *float64 `json:"word_error_rate,omitempty"`
	FillerWordRate    *float64 `json:"filler_word_rate,omitempty"`
	WordsPerMinute    *float64 `json:"words_per_minute,omitempty"`
	RepetitionScore   *float64 `json:"repetition_score,omitempty"`
	MeanSTTConfidence *float64 `json:"mean_stt_confidence,omitempty"`
}

// TranscriptQuality computes agent transcript metrics. references maps an
// agent turn index (position in turns) to the text the agent was expected to
// say; WER is computed over the referenced turns only.
func TranscriptQuality(turns []Turn, references map[int]string) TranscriptQualityMetrics {
	var m TranscriptQualityMetrics

	var words []string
	var audioMs float64
	var confidences []float64
	var refWords, hypWords []string
	for i, t := range turns {
		if t.Role != RoleAgent {
			continue
		}
		tw := Words(t.Text)
		words = append(words, tw...)
		if t.AudioDurationMs != nil && len(tw) > 0 {
			audioMs += *t.AudioDurationMs
		}
		if t.STTConfidence != nil {
			confidences = append(confidences, *t.STTConfidence)
		}
		if ref, ok := references[i]; ok {
			refWords = append(refWords, Words(ref)...)
			hypWords = append(hypWords, tw...)
		}
	}

	if len(refWords) > 0 {
		m.WordErrorRate = Float(WordErrorRate(refWords, hypWords))
	}
	if len(words) > 0 {
		m.FillerWordRate = Float(fillerRate(words))
		m.RepetitionScore = Float(repetition(words))
		if audioMs > 0 {
			m.WordsPerMinute = Float(float64(len(words)) / (audioMs / 60000))
		}
	}
	if len(confidences) > 0 {
		m.MeanSTTConfidence = Float(mean(confidences))
	}
	return m
}

// WordErrorRate is the word-level Levenshtein distance divided by the
// reference length.
func WordErrorRate(reference, hypothesis []string) float64 {
	if len(reference) == 0 {
		if len(hypothesis) == 0 {
			return 0
		}
		return 1
	}

	prev := make([]int, len(hypothesis)+1)
	curr := make([]int, len(hypothesis)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(reference); i++ {
		curr[0] = i
		for j := 1; j <= len(hypothesis); j++ {
			cost := 1
			if reference[i-1] == hypothesis[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return float64(prev[len(hypothesis)]) / float64(len(reference))
}

func fillerRate(words []string) float64 {
	count := 0
	for _, w := range words {
		if fillerWords[w] {
			count++
		}
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, phrase := range fillerPhrases {
		count += strings.Count(joined, " "+phrase+" ")
	}
	return float64(count) / float64(len(words))
}

// repetition is the share of word trigrams that already occurred earlier.
func repetition(words []string) float64 {
	if len(words) < 3 {
		return 0
	}
	seen := make(map[string]bool)
	repeated := 0
	total := 0
	for i := 0; i+3 <= len(words); i++ {
		key := words[i] + " " + words[i+1] + " " + words[i+2]
		if seen[key] {
			repeated++
		}
		seen[key] = true
		total++
	}
	return float64(repeated) / float64(total)
}
