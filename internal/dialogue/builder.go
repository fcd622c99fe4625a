// Package dialogue groups speech segments into dialogues and stitches them
// across chunk boundaries.
//
// The package is pure planning: [PlanChunk] takes the chunk window, its
// speech segments, and the device's open-dialogue state, and returns a [Plan]
// describing which dialogues to extend or create and what the next state
// should be. Applying the plan against the database (inside the transaction
// that holds the state row lock) is the store's job, which keeps every
// grouping and continuation rule testable without a database.
package dialogue

import (
	"time"

	"github.com/google/uuid"
)

// Segment is one speech segment projected onto the absolute timeline.
// StartMs/EndMs stay relative to the chunk start for persistence.
type Segment struct {
	ChunkID  uuid.UUID
	StartMs  int
	EndMs    int
	AbsStart time.Time
	AbsEnd   time.Time
}

// Project converts chunk-relative [start_ms, end_ms) spans to absolute
// segments using the chunk's start timestamp.
func Project(chunkID uuid.UUID, chunkStart time.Time, spans [][2]int) []Segment {
	segs := make([]Segment, 0, len(spans))
	for _, sp := range spans {
		segs = append(segs, Segment{
			ChunkID:  chunkID,
			StartMs:  sp[0],
			EndMs:    sp[1],
			AbsStart: chunkStart.Add(time.Duration(sp[0]) * time.Millisecond),
			AbsEnd:   chunkStart.Add(time.Duration(sp[1]) * time.Millisecond),
		})
	}
	return segs
}

// Params are the stitching thresholds.
type Params struct {
	// SilenceGap is the largest silence tolerated inside one dialogue.
	// A gap strictly greater than this splits; an exactly-equal gap joins.
	SilenceGap time.Duration

	// MaxDialogue is the largest dialogue duration. A segment whose end
	// would push the dialogue strictly past this starts a new one.
	MaxDialogue time.Duration
}

// Window is the chunk's absolute time extent.
type Window struct {
	Start time.Time
	End   time.Time
}

// Open describes the device's currently open dialogue, if any.
type Open struct {
	ID            uuid.UUID
	StartTS       time.Time
	LastSpeechEnd time.Time
}

// Group is an ordered run of segments forming one new dialogue.
type Group struct {
	Segments []Segment
}

// Start returns the group's first segment start.
func (g Group) Start() time.Time { return g.Segments[0].AbsStart }

// End returns the group's last segment end.
func (g Group) End() time.Time { return g.Segments[len(g.Segments)-1].AbsEnd }

// Extension describes segments absorbed by the already-persisted open
// dialogue, and its new end timestamp.
type Extension struct {
	ID       uuid.UUID
	EndTS    time.Time
	Segments []Segment
}

// Plan is the outcome of stitching one chunk.
type Plan struct {
	// Touch reports whether the device state row must be written at all.
	// An empty chunk inside the silence window leaves everything as is.
	Touch bool

	// Extend, when non-nil, appends segments to the open dialogue and
	// advances its end_ts.
	Extend *Extension

	// Create lists new dialogues in chronological order.
	Create []Group

	// KeepOpen reports whether the final dialogue (the last created one, or
	// the extension when nothing was created) stays open into the next chunk.
	KeepOpen bool

	// LastSpeechEnd is the new last_speech_end_ts; nil clears it.
	LastSpeechEnd *time.Time
}

// PlanChunk stitches one chunk's segments against the device state.
//
// Continuation: the open dialogue absorbs leading segments when the gap from
// its last speech to the first segment is at most SilenceGap; a larger gap
// closes it untouched. All segments, absorbed or not, flow through the same
// grouping pass, so a mid-chunk silence or the duration cap can still split
// the remainder into further dialogues.
//
// An empty chunk closes the open dialogue only when the silence from its
// last speech to the chunk end exceeds SilenceGap.
func PlanChunk(w Window, segs []Segment, open *Open, p Params) Plan {
	if len(segs) == 0 {
		if open != nil && !open.LastSpeechEnd.IsZero() &&
			w.End.Sub(open.LastSpeechEnd) > p.SilenceGap {
			// Silence ran past the gap with no new speech: close.
			return Plan{Touch: true}
		}
		return Plan{}
	}

	cont := open != nil && !open.LastSpeechEnd.IsZero() &&
		segs[0].AbsStart.Sub(open.LastSpeechEnd) <= p.SilenceGap

	var cur *run
	if cont {
		cur = &run{start: open.StartTS, lastEnd: open.LastSpeechEnd, seed: true}
	}

	var (
		ext    *Extension
		groups []Group
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.seed {
			if len(cur.segs) > 0 {
				ext = &Extension{ID: open.ID, EndTS: cur.lastEnd, Segments: cur.segs}
			}
			// A seed with no absorbed segments closes the open dialogue
			// unchanged.
		} else {
			groups = append(groups, Group{Segments: cur.segs})
		}
		cur = nil
	}

	for _, seg := range segs {
		if cur != nil {
			gap := seg.AbsStart.Sub(cur.lastEnd)
			dur := seg.AbsEnd.Sub(cur.start)
			if gap > p.SilenceGap || dur > p.MaxDialogue {
				flush()
			}
		}
		if cur == nil {
			cur = &run{start: seg.AbsStart, lastEnd: seg.AbsEnd, segs: []Segment{seg}}
			continue
		}
		cur.segs = append(cur.segs, seg)
		cur.lastEnd = seg.AbsEnd
	}
	flush()

	lastEnd := segs[len(segs)-1].AbsEnd
	return Plan{
		Touch:         true,
		Extend:        ext,
		Create:        groups,
		KeepOpen:      w.End.Sub(lastEnd) < p.SilenceGap,
		LastSpeechEnd: &lastEnd,
	}
}

// run is a dialogue being accumulated during the grouping pass. A seed run
// represents the pre-existing open dialogue.
type run struct {
	start   time.Time
	lastEnd time.Time
	segs    []Segment
	seed    bool
}
