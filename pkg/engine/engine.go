// Package engine defines the transcription engine contract and the
// thread-safety adapters around it.
//
// The underlying speech-recognition engine is an opaque collaborator that is
// NOT safe for concurrent use. Callers never talk to an engine instance
// directly; they go through an adapter (Serialized or Pool) that enforces the
// non-reentrancy discipline.
package engine

import (
	"context"
)

// Sentence is one raw recognized sentence with millisecond timestamps and an
// integer speaker ID assigned by diarization.
type Sentence struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Speaker int    `json:"speaker_id"`
}

// RawResult is the untransformed output of a transcription run: an ordered
// sentence list plus coarse file-level metadata. Raw results are immutable
// once produced and are what the result cache persists.
type RawResult struct {
	// Sentences is the ordered sentence list.
	Sentences []Sentence `json:"sentences"`

	// DurationMs is the audio duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Language is the detected language code, if the engine reports one.
	Language string `json:"language,omitempty"`
}

// ProgressFunc receives coarse progress percentages (0-100) during a
// transcription run. Implementations must be safe to call from the engine
// goroutine and must not block.
type ProgressFunc func(pct int)

// Hints carries optional per-call guidance for the engine.
type Hints struct {
	// FileName is the client-supplied file name (extension may guide decoding).
	FileName string

	// Language restricts recognition to a language code, if non-empty.
	Language string

	// Progress, when non-nil, receives coarse progress updates.
	Progress ProgressFunc
}

// Engine is the transcription contract.
//
// Transcribe runs speech recognition with speaker diarization on the audio
// file at path and returns the raw result. Errors returned by an adapter are
// already classified (see Classify).
//
// A bare Engine implementation is not required to be reentrant; adapters make
// it safe for concurrent callers.
type Engine interface {
	Transcribe(ctx context.Context, path string, hints Hints) (*RawResult, error)
}

// Factory constructs a fresh engine instance. Pool adapters call it once per
// pooled instance at startup.
type Factory func() (Engine, error)
