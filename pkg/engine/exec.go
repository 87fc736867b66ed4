package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandConfig configures an engine that shells out to an external
// transcriber process.
type CommandConfig struct {
	// Command is the transcriber executable. Required.
	Command string

	// ModelPath is passed as --model when non-empty.
	ModelPath string

	// Language is the default recognition language. A per-call hint wins.
	Language string

	// ExtraArgs are appended verbatim after the generated flags.
	ExtraArgs []string
}

// CommandEngine runs one transcription per subprocess invocation.
//
// The transcriber receives the audio path as its final argument, writes a
// JSON result document to stdout, and may report progress on stderr as
// "progress <pct>" lines. Any other stderr output is kept as error context.
//
// Running the recognizer out of process keeps engine crashes from taking the
// server down; the adapter still serializes calls per instance.
type CommandEngine struct {
	cfg CommandConfig
}

// NewCommand builds a subprocess-backed engine.
func NewCommand(cfg CommandConfig) (*CommandEngine, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("engine: transcriber command must not be empty")
	}
	return &CommandEngine{cfg: cfg}, nil
}

// stderrTailLines bounds how much transcriber stderr is kept for error reports.
const stderrTailLines = 20

// Transcribe implements Engine.
func (e *CommandEngine) Transcribe(ctx context.Context, path string, hints Hints) (*RawResult, error) {
	args := make([]string, 0, len(e.cfg.ExtraArgs)+5)
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	lang := hints.Language
	if lang == "" {
		lang = e.cfg.Language
	}
	if lang != "" {
		args = append(args, "--language", lang)
	}
	args = append(args, e.cfg.ExtraArgs...)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, Transient(CodeEngineFault, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, Permanent(CodeEngineFault, fmt.Errorf("starting transcriber %q: %w", e.cfg.Command, err))
	}

	tail := make([]string, 0, stderrTailLines)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if pct, ok := parseProgressLine(line); ok {
			if hints.Progress != nil {
				hints.Progress(pct)
			}
			continue
		}
		if len(tail) == stderrTailLines {
			copy(tail, tail[1:])
			tail = tail[:stderrTailLines-1]
		}
		tail = append(tail, line)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		if len(tail) > 0 {
			err = fmt.Errorf("%w: %s", err, strings.Join(tail, "; "))
		}
		return nil, Classify(err)
	}

	var raw RawResult
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, Transient(CodeEngineFault, fmt.Errorf("decoding transcriber output: %w", err))
	}
	if raw.Sentences == nil {
		raw.Sentences = []Sentence{}
	}
	return &raw, nil
}

// parseProgressLine recognizes "progress 42", "progress: 42" and a trailing
// percent sign. Percentages outside 0-100 are ignored.
func parseProgressLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "progress")
	if !ok {
		return 0, false
	}
	rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	rest = strings.TrimSuffix(rest, "%")
	pct, err := strconv.Atoi(rest)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
