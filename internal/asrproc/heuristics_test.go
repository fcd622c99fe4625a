package asrproc

import (
	"strings"
	"testing"
	"time"

	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		AvgLogprob:             -0.7,
		MinTextLengthRatio:     0.5,
		MinDurationForAccurate: 15 * time.Second,
	}
}

func fptr(v float64) *float64 { return &v }

// goodText is long enough that the length-ratio check stays quiet for a
// 30 s dialogue.
var goodText = strings.Repeat("добрый день, что будете заказывать? ", 3)

func TestNeedsAccuratePassShortAudioNeverEscalates(t *testing.T) {
	t.Parallel()

	res := &asr.Result{Text: "х", AvgLogprob: fptr(-2.5), NoSpeechProb: fptr(0.99)}
	needs, reasons := NeedsAccuratePass(res, 10*time.Second, defaultThresholds())
	if needs || len(reasons) != 0 {
		t.Errorf("needs=%v reasons=%v, want no escalation below min duration", needs, reasons)
	}
}

func TestNeedsAccuratePassCleanResult(t *testing.T) {
	t.Parallel()

	res := &asr.Result{Text: goodText, AvgLogprob: fptr(-0.3), NoSpeechProb: fptr(0.05)}
	needs, reasons := NeedsAccuratePass(res, 30*time.Second, defaultThresholds())
	if needs {
		t.Errorf("clean result escalated: %v", reasons)
	}
}

func TestNeedsAccuratePassTriggers(t *testing.T) {
	t.Parallel()

	cases := map[string]*asr.Result{
		"low confidence": {Text: goodText, AvgLogprob: fptr(-1.2)},
		"short text":     {Text: "да", AvgLogprob: fptr(-0.3)},
		"garbage text": {
			Text:       strings.Repeat("ааааа ", 20),
			AvgLogprob: fptr(-0.3),
		},
		"no_speech with text": {
			Text:         goodText,
			AvgLogprob:   fptr(-0.3),
			NoSpeechProb: fptr(0.9),
		},
	}
	for name, res := range cases {
		needs, reasons := NeedsAccuratePass(res, 30*time.Second, defaultThresholds())
		if !needs {
			t.Errorf("%s: not escalated", name)
		}
		if len(reasons) == 0 {
			t.Errorf("%s: no reasons given", name)
		}
	}
}

func TestNeedsAccuratePassBoundary(t *testing.T) {
	t.Parallel()

	// avg_logprob exactly at the threshold does not escalate (strict less).
	res := &asr.Result{Text: goodText, AvgLogprob: fptr(-0.7)}
	if needs, _ := NeedsAccuratePass(res, 30*time.Second, defaultThresholds()); needs {
		t.Error("avg_logprob == threshold should not escalate")
	}

	// Exactly min duration is eligible.
	bad := &asr.Result{Text: goodText, AvgLogprob: fptr(-1.0)}
	if needs, _ := NeedsAccuratePass(bad, 15*time.Second, defaultThresholds()); !needs {
		t.Error("audio at exactly min duration should be eligible for escalation")
	}
}

func TestGarbageScore(t *testing.T) {
	t.Parallel()

	if got := garbageScore("коротко"); got != 0 {
		t.Errorf("short text score = %v, want 0", got)
	}
	if got := garbageScore(goodText); got > garbageThreshold {
		t.Errorf("normal dialogue scored %v", got)
	}

	// Word repetition alone contributes at most a quarter of the score.
	repeated := strings.Repeat("спасибо ", 30)
	if got := garbageScore(repeated); got <= 0.2 || got > 0.25 {
		t.Errorf("extreme word repetition scored %v, want in (0.2, 0.25]", got)
	}

	// Repeated characters on top of repeated words cross the threshold.
	hallucinated := strings.Repeat("ааааа ", 20)
	if got := garbageScore(hallucinated); got <= garbageThreshold {
		t.Errorf("hallucinated text scored %v, want > %v", got, garbageThreshold)
	}

	punct := "что........ это?????? было!!!!" + strings.Repeat(" ок....", 10)
	if got := garbageScore(punct); got <= 0 {
		t.Errorf("punctuation runs scored %v, want > 0", got)
	}
}
