package analysisproc

import (
	"strings"
	"testing"
	"time"
)

func testPrefilter() Prefilter {
	return Prefilter{
		Enabled:     true,
		MinTextLen:  10,
		MinDuration: 6 * time.Second,
		Markers:     []string{"десерт", "сироп", "с собой"},
	}
}

func TestPrefilterDisabledNeverSkips(t *testing.T) {
	t.Parallel()

	p := testPrefilter()
	p.Enabled = false
	if skip, reason := p.ShouldSkip("", 0); skip {
		t.Errorf("disabled prefilter skipped: %s", reason)
	}
}

func TestPrefilterShortTranscript(t *testing.T) {
	t.Parallel()

	p := testPrefilter()

	// Nine cyrillic runes, under the limit regardless of byte length.
	skip, reason := p.ShouldSkip("  здравств  ", time.Minute)
	if !skip {
		t.Fatal("nine-rune transcript not skipped")
	}
	if !strings.Contains(reason, "transcript_too_short (9 chars)") {
		t.Errorf("reason = %q", reason)
	}

	if skip, _ := p.ShouldSkip("здравствуйте", time.Minute); skip {
		t.Error("transcript above the limit skipped")
	}
}

func TestPrefilterShortDialogue(t *testing.T) {
	t.Parallel()

	p := testPrefilter()
	text := "добрый день, один капучино пожалуйста"

	skip, reason := p.ShouldSkip(text, 3*time.Second)
	if !skip {
		t.Fatal("short dialogue without markers not skipped")
	}
	if !strings.Contains(reason, "short_dialogue_no_markers (3.0s)") {
		t.Errorf("reason = %q", reason)
	}

	// The same short dialogue with an upsell marker is analysed.
	if skip, _ := p.ShouldSkip(text+" и Десерт к нему?", 3*time.Second); skip {
		t.Error("short dialogue with marker skipped")
	}

	// At or above the duration limit markers do not matter.
	if skip, _ := p.ShouldSkip(text, 6*time.Second); skip {
		t.Error("dialogue at min duration skipped")
	}
}

func TestMarkersFound(t *testing.T) {
	t.Parallel()

	p := testPrefilter()
	found := p.MarkersFound("Возьмите СИРОП или десерт")
	if len(found) != 2 || found[0] != "десерт" || found[1] != "сироп" {
		t.Errorf("found = %v", found)
	}
	if got := p.MarkersFound("просто кофе"); got != nil {
		t.Errorf("found = %v, want none", got)
	}
}
