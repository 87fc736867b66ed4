package format

import (
	"math"
	"strings"
	"time"

	"github.com/murmur-labs/scribed/pkg/engine"
)

// DefaultMergeGap is the maximum silence between two sentences of the same
// speaker for them to be merged into one segment.
const DefaultMergeGap = 3 * time.Second

// Segment is one merged, speaker-tagged span of the transcript.
// Times are in seconds, rounded to a millisecond.
type Segment struct {
	Speaker   string  `json:"speaker"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

// Summary aggregates the merged transcript.
type Summary struct {
	TotalSpeakers int    `json:"total_speakers"`
	TotalSegments int    `json:"total_segments"`
	FullText      string `json:"full_text"`
}

// Document is the JSON-merged completion payload.
type Document struct {
	TaskID         string    `json:"task_id"`
	FileName       string    `json:"file_name"`
	FileHash       string    `json:"file_hash"`
	Duration       float64   `json:"duration"`
	ProcessingTime float64   `json:"processing_time"`
	Speakers       []string  `json:"speakers"`
	Segments       []Segment `json:"segments"`
	Summary        Summary   `json:"transcription_summary"`
}

// Meta carries task-level fields copied into the document verbatim.
type Meta struct {
	TaskID         string
	FileName       string
	FileHash       string
	ProcessingTime time.Duration
}

// RenderJSON merges the raw sentence list into speaker segments and builds the
// completion document. Adjacent sentences merge when the speaker is identical
// and the gap between them is below mergeGap. Merging keeps the earliest
// start, the latest end, and concatenates texts with trailing sentence-final
// punctuation stripped from non-terminal pieces.
func RenderJSON(meta Meta, raw *engine.RawResult, mergeGap time.Duration) *Document {
	if mergeGap <= 0 {
		mergeGap = DefaultMergeGap
	}
	gapMs := mergeGap.Milliseconds()

	labels := newSpeakerLabels()
	var segments []Segment

	type pending struct {
		speaker int
		startMs int64
		endMs   int64
		parts   []string
	}
	var cur *pending

	flush := func() {
		if cur == nil {
			return
		}
		text := joinParts(cur.parts)
		segments = append(segments, Segment{
			Speaker:   labels.label(cur.speaker),
			StartTime: roundSeconds(cur.startMs),
			EndTime:   roundSeconds(cur.endMs),
			Text:      text,
		})
		cur = nil
	}

	for _, s := range raw.Sentences {
		if cur != nil && s.Speaker == cur.speaker && s.StartMs-cur.endMs < gapMs {
			if s.EndMs > cur.endMs {
				cur.endMs = s.EndMs
			}
			cur.parts = append(cur.parts, s.Text)
			continue
		}
		flush()
		cur = &pending{
			speaker: s.Speaker,
			startMs: s.StartMs,
			endMs:   s.EndMs,
			parts:   []string{s.Text},
		}
	}
	flush()

	var full strings.Builder
	for i, seg := range segments {
		if i > 0 {
			full.WriteString(" ")
		}
		full.WriteString(seg.Speaker)
		full.WriteString(": ")
		full.WriteString(seg.Text)
	}

	return &Document{
		TaskID:         meta.TaskID,
		FileName:       meta.FileName,
		FileHash:       meta.FileHash,
		Duration:       roundSeconds(raw.DurationMs),
		ProcessingTime: math.Round(meta.ProcessingTime.Seconds()*1000) / 1000,
		Speakers:       labels.order,
		Segments:       segments,
		Summary: Summary{
			TotalSpeakers: len(labels.order),
			TotalSegments: len(segments),
			FullText:      full.String(),
		},
	}
}

// sentence-final punctuation stripped from non-terminal merged pieces
const trailingPunct = ".,;:!?。，；：！？、"

// joinParts concatenates merged sentence texts. Every piece except the last
// loses its trailing sentence-final punctuation.
func joinParts(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	var b strings.Builder
	for i, p := range parts {
		if i < len(parts)-1 {
			p = strings.TrimRight(p, trailingPunct)
		}
		b.WriteString(p)
	}
	return b.String()
}

// roundSeconds converts milliseconds to seconds rounded to 0.001s.
func roundSeconds(ms int64) float64 {
	return math.Round(float64(ms)) / 1000
}
