package analysisproc

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Prefilter is the cheap skip check run before any LLM call. A skipped
// dialogue gets a placeholder analysis record instead of an evaluation.
type Prefilter struct {
	Enabled     bool
	MinTextLen  int
	MinDuration time.Duration

	// Markers are lowercase substrings hinting at upsell talk. A short
	// dialogue containing one is still analysed.
	Markers []string
}

// ShouldSkip reports whether the dialogue is not worth an LLM call, with a
// reason for the SKIPPED record.
func (p Prefilter) ShouldSkip(transcript string, duration time.Duration) (bool, string) {
	if !p.Enabled {
		return false, ""
	}

	text := strings.TrimSpace(transcript)
	if n := utf8.RuneCountInString(text); n < p.MinTextLen {
		return true, fmt.Sprintf("transcript_too_short (%d chars)", n)
	}

	if duration < p.MinDuration && len(p.MarkersFound(text)) == 0 {
		return true, fmt.Sprintf("short_dialogue_no_markers (%.1fs)", duration.Seconds())
	}

	return false, ""
}

// MarkersFound lists the markers present in text, for debug logging.
func (p Prefilter) MarkersFound(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, m := range p.Markers {
		if strings.Contains(lower, m) {
			found = append(found, m)
		}
	}
	return found
}
