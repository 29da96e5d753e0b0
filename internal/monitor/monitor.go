// Package monitor watches a running worker session's output for signs of
// degradation and recommends recovery actions.
package monitor

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Action is a recovery recommendation, ordered by severity.
type Action string

const (
	ActionNone              Action = "none"
	ActionLogWarning        Action = "log_warning"
	ActionInterrupt         Action = "interrupt"
	ActionCheckpointRestart Action = "checkpoint_restart"
	ActionEscalate          Action = "escalate"
)

// RecoveryAction pairs the recommended action with its trigger.
type RecoveryAction struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Thresholds tune degradation detection for one session.
type Thresholds struct {
	// WindowSize bounds the line window used for repetition and
	// error-burst detection.
	WindowSize int
	// RepetitionWarn and RepetitionInterrupt are consecutive-duplicate
	// counts.
	RepetitionWarn      int
	RepetitionInterrupt int
	// ErrorBurstRatio is the fraction of window lines matching error
	// patterns above which the session is considered degraded.
	ErrorBurstRatio float64
	// LivenessWarn and LivenessInterrupt are silences after which the
	// session is warned about, then interrupted.
	LivenessWarn      time.Duration
	LivenessInterrupt time.Duration
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowSize:          100,
		RepetitionWarn:      5,
		RepetitionInterrupt: 20,
		ErrorBurstRatio:     0.5,
		LivenessWarn:        5 * time.Minute,
		LivenessInterrupt:   15 * time.Minute,
	}
}

var errorMarkers = []string{"error", "Error", "ERROR", "panic:", "Traceback", "FAILED", "fatal:"}

// SessionMonitor tracks one (worker, task) session.
type SessionMonitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	window     []string
	lastSeen   time.Time
	started    time.Time
	consecDup  int
	lastLine   string
	escalated  bool
	now        func() time.Time
}

// NewSession creates a monitor for one session.
func NewSession(th Thresholds) *SessionMonitor {
	if th.WindowSize <= 0 {
		th = DefaultThresholds()
	}
	now := time.Now
	return &SessionMonitor{
		thresholds: th,
		started:    now(),
		lastSeen:   now(),
		now:        now,
	}
}

// RecordOutput feeds one output line into the monitor.
func (m *SessionMonitor) RecordOutput(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen = m.now()

	trimmed := strings.TrimSpace(line)
	if trimmed != "" && trimmed == m.lastLine {
		m.consecDup++
	} else {
		m.consecDup = 0
	}
	m.lastLine = trimmed

	m.window = append(m.window, trimmed)
	if len(m.window) > m.thresholds.WindowSize {
		m.window = m.window[len(m.window)-m.thresholds.WindowSize:]
	}
}

// RecommendRecovery evaluates the session and returns the most severe
// applicable action.
func (m *SessionMonitor) RecommendRecovery() RecoveryAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	silence := m.now().Sub(m.lastSeen)

	if m.consecDup >= m.thresholds.RepetitionInterrupt {
		if m.escalated {
			return RecoveryAction{Action: ActionEscalate, Reason: "repetition persists after restart"}
		}
		m.escalated = true
		return RecoveryAction{
			Action: ActionCheckpointRestart,
			Reason: "output repeated " + strconv.Itoa(m.consecDup+1) + " times consecutively",
		}
	}

	if silence >= m.thresholds.LivenessInterrupt {
		return RecoveryAction{
			Action: ActionInterrupt,
			Reason: "no output for " + silence.Truncate(time.Second).String(),
		}
	}

	if ratio := m.errorRatio(); len(m.window) >= 10 && ratio >= m.thresholds.ErrorBurstRatio {
		return RecoveryAction{
			Action: ActionInterrupt,
			Reason: "error burst in recent output",
		}
	}

	if m.consecDup >= m.thresholds.RepetitionWarn {
		return RecoveryAction{
			Action: ActionLogWarning,
			Reason: "output repeating",
		}
	}
	if silence >= m.thresholds.LivenessWarn {
		return RecoveryAction{
			Action: ActionLogWarning,
			Reason: "no output for " + silence.Truncate(time.Second).String(),
		}
	}

	return RecoveryAction{Action: ActionNone}
}

func (m *SessionMonitor) errorRatio() float64 {
	if len(m.window) == 0 {
		return 0
	}
	matches := 0
	for _, line := range m.window {
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(len(m.window))
}

// LastSeen reports when output was last observed.
func (m *SessionMonitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}
