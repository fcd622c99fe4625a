package asrproc

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

// garbageThreshold is the score above which a transcript counts as noise.
const garbageThreshold = 0.3

// Thresholds are the escalation knobs for the accurate pass.
type Thresholds struct {
	// AvgLogprob below this triggers escalation.
	AvgLogprob float64

	// MinTextLengthRatio is expected transcript characters per second of
	// audio; shorter text triggers escalation.
	MinTextLengthRatio float64

	// MinDurationForAccurate gates escalation entirely: shorter dialogues
	// never get a second pass.
	MinDurationForAccurate time.Duration
}

// NeedsAccuratePass decides whether the fast-pass result warrants a second,
// slower transcription, returning the triggering reasons for the log.
func NeedsAccuratePass(res *asr.Result, audioDuration time.Duration, t Thresholds) (bool, []string) {
	if audioDuration < t.MinDurationForAccurate {
		return false, nil
	}

	var reasons []string
	textLen := utf8.RuneCountInString(res.Text)

	if res.AvgLogprob != nil && *res.AvgLogprob < t.AvgLogprob {
		reasons = append(reasons,
			fmt.Sprintf("low confidence: avg_logprob=%.3f < %.2f", *res.AvgLogprob, t.AvgLogprob))
	}

	expectedMin := audioDuration.Seconds() * t.MinTextLengthRatio
	if float64(textLen) < expectedMin {
		reasons = append(reasons,
			fmt.Sprintf("text too short: %d chars for %.1fs audio (expected >= %.0f)",
				textLen, audioDuration.Seconds(), expectedMin))
	}

	if score := garbageScore(res.Text); score > garbageThreshold {
		reasons = append(reasons, fmt.Sprintf("high garbage score: %.2f", score))
	}

	if res.NoSpeechProb != nil && *res.NoSpeechProb > 0.7 && textLen > 10 {
		reasons = append(reasons,
			fmt.Sprintf("high no_speech_prob (%.2f) but text present", *res.NoSpeechProb))
	}

	return len(reasons) > 0, reasons
}

var (
	repeatedCharsRe = regexp.MustCompile(`(.)\1{2,}`)
	punctRunsRe     = regexp.MustCompile(`[.?!]{3,}`)
)

// garbageScore rates how much a transcript looks like hallucinated noise,
// averaging four signals: runs of repeated characters, extreme word
// repetition, runs of punctuation, and implausibly long words. Each signal
// is capped at 1, so the score stays in [0, 1].
func garbageScore(text string) float64 {
	textLen := utf8.RuneCountInString(text)
	if textLen < 10 {
		return 0
	}

	var total float64
	const checks = 4

	// Runs of 3+ identical characters.
	runs := repeatedCharsRe.FindAllString(text, -1)
	repeatedRatio := float64(len(runs)) / float64(textLen)
	total += min(repeatedRatio*3, 1.0)

	// Extreme word repetition.
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 3 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		repetition := 1 - float64(len(unique))/float64(len(words))
		if repetition > 0.5 {
			total += repetition
		}
	}

	// Runs of punctuation.
	punct := float64(len(punctRunsRe.FindAllString(text, -1))) * 0.2
	total += min(punct, 1.0)

	// Implausibly long words.
	var long int
	for _, w := range words {
		if utf8.RuneCountInString(w) > 30 {
			long++
		}
	}
	total += min(float64(long)*0.3, 1.0)

	return total / checks
}
