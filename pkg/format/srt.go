package format

import (
	"fmt"
	"strings"

	"github.com/murmur-labs/scribed/pkg/engine"
)

// SRTPayload is the completion payload for output_format = "srt".
type SRTPayload struct {
	Format   string  `json:"format"`
	Content  string  `json:"content"`
	FileName string  `json:"file_name"`
	FileHash string  `json:"file_hash"`
	Duration float64 `json:"duration"`
}

// RenderSRT converts the raw sentence list into SubRip text. The engine's
// original segmentation is preserved without merging: each sentence becomes
// one cue, numbered from 1, with a "SpeakerN:<text>" payload.
func RenderSRT(raw *engine.RawResult) string {
	var b strings.Builder
	for i, s := range raw.Sentences {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(s.StartMs), srtTimestamp(s.EndMs))
		fmt.Fprintf(&b, "Speaker%d:%s\n\n", s.Speaker+1, s.Text)
	}
	return b.String()
}

// NewSRTPayload builds the full SRT completion payload.
func NewSRTPayload(meta Meta, raw *engine.RawResult) *SRTPayload {
	return &SRTPayload{
		Format:   string(SRT),
		Content:  RenderSRT(raw),
		FileName: meta.FileName,
		FileHash: meta.FileHash,
		Duration: roundSeconds(raw.DurationMs),
	}
}

// srtTimestamp renders milliseconds as HH:MM:SS,mmm.
func srtTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	rem := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, rem)
}
