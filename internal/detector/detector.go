// Package detector classifies a worker session's termination into
// SUCCESS, FAILURE, or NEEDS_DECISION from its aggregated output and exit
// code.
package detector

import (
	"strconv"
	"strings"
)

// CompletionSignal is the literal token a worker emits to indicate it
// finished its task.
const CompletionSignal = "<promise>COMPLETE</promise>"

// Outcome is the classification of a finished session.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeFailure       Outcome = "FAILURE"
	OutcomeNeedsDecision Outcome = "NEEDS_DECISION"
)

// Result carries the classification and its supporting evidence.
type Result struct {
	Outcome          Outcome `json:"outcome"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	DecisionQuestion string  `json:"decision_question,omitempty"`
}

// IsSuccess reports whether the outcome is SUCCESS.
func (r Result) IsSuccess() bool { return r.Outcome == OutcomeSuccess }

// IsFailure reports whether the outcome is FAILURE.
func (r Result) IsFailure() bool { return r.Outcome == OutcomeFailure }

// errorPatterns are the failure markers scanned for in the output tail.
var errorPatterns = []string{
	"Traceback (most recent call last)",
	"Error:",
	"error:",
	"ERROR",
	"Aborting",
	"panic:",
	"FAILED",
	"fatal:",
	"Exception",
}

// tailLines bounds the error-pattern scan to the end of the output, where
// a terminal failure actually shows up.
const tailLines = 50

// Detector classifies session output. DecisionMarkers are the configured
// phrases that signal the worker is asking for a human decision.
type Detector struct {
	DecisionMarkers []string
}

// New creates a detector with the given decision markers.
func New(markers []string) *Detector {
	return &Detector{DecisionMarkers: markers}
}

// Detect classifies the aggregated stdout+stderr text and exit code.
// Signals are checked in priority order: the exact completion promise, then
// decision markers, then exit-code heuristics.
func (d *Detector) Detect(output string, exitCode int) Result {
	if strings.Contains(output, CompletionSignal) {
		return Result{
			Outcome:    OutcomeSuccess,
			Confidence: 1.0,
			Reason:     "completion signal found",
		}
	}

	for _, marker := range d.DecisionMarkers {
		if marker == "" {
			continue
		}
		if idx := strings.Index(output, marker); idx >= 0 {
			return Result{
				Outcome:          OutcomeNeedsDecision,
				Confidence:       0.9,
				Reason:           "decision marker found",
				DecisionQuestion: extractQuestion(output[idx:]),
			}
		}
	}

	tail := lastLines(output, tailLines)
	if exitCode == 0 {
		for _, pat := range errorPatterns {
			if strings.Contains(tail, pat) {
				return Result{
					Outcome:    OutcomeFailure,
					Confidence: 0.6,
					Reason:     "exit 0 but error pattern in output: " + pat,
				}
			}
		}
		return Result{
			Outcome:    OutcomeSuccess,
			Confidence: 0.7,
			Reason:     "clean exit without completion signal",
		}
	}

	for _, pat := range errorPatterns {
		if strings.Contains(tail, pat) {
			return Result{
				Outcome:    OutcomeFailure,
				Confidence: 0.85,
				Reason:     "exit code " + strconv.Itoa(exitCode) + " with error pattern: " + pat,
			}
		}
	}
	if exitCode != 0 {
		return Result{
			Outcome:    OutcomeFailure,
			Confidence: 0.75,
			Reason:     "non-zero exit code " + strconv.Itoa(exitCode),
		}
	}

	return Result{
		Outcome:    OutcomeFailure,
		Confidence: 0.4,
		Reason:     "no completion signal",
	}
}

// extractQuestion captures the decision question: the marker line plus any
// continuation up to a blank line, truncated to keep blocked_reason short.
func extractQuestion(from string) string {
	lines := strings.Split(from, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		out = append(out, line)
		if len(out) >= 5 {
			break
		}
	}
	q := strings.Join(out, " ")
	if len(q) > 500 {
		q = q[:500]
	}
	return q
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
