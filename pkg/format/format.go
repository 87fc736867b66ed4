// Package format renders raw engine results into client-facing output
// formats. All renderers are pure functions over well-formed raw results.
package format

import (
	"fmt"
	"strings"
)

// Format identifies a client-requested output format.
type Format string

const (
	// JSON is the merged-segment JSON document.
	JSON Format = "json"

	// SRT is the SubRip subtitle format, one cue per raw sentence.
	SRT Format = "srt"
)

// Default is the format used when a request leaves output_format empty.
const Default = JSON

// Parse validates a client-supplied format string. Empty maps to Default.
func Parse(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return Default, nil
	case JSON:
		return JSON, nil
	case SRT:
		return SRT, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// speakerLabel maps a raw integer speaker ID to its display label.
// Labels are assigned by order of first appearance: "Speaker1", "Speaker2", ...
type speakerLabels struct {
	byID  map[int]string
	order []string
}

func newSpeakerLabels() *speakerLabels {
	return &speakerLabels{byID: make(map[int]string)}
}

func (s *speakerLabels) label(id int) string {
	if l, ok := s.byID[id]; ok {
		return l
	}
	l := fmt.Sprintf("Speaker%d", len(s.order)+1)
	s.byID[id] = l
	s.order = append(s.order, l)
	return l
}
