package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestMonitor(th Thresholds) (*SessionMonitor, *time.Time) {
	m := NewSession(th)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.started = clock
	m.lastSeen = clock
	return m, &clock
}

func TestHealthySessionRecommendsNothing(t *testing.T) {
	m, _ := newTestMonitor(DefaultThresholds())

	m.RecordOutput("compiling package a")
	m.RecordOutput("compiling package b")
	m.RecordOutput("tests passed")

	rec := m.RecommendRecovery()
	assert.Equal(t, ActionNone, rec.Action)
}

func TestRepetitionEscalationLadder(t *testing.T) {
	th := DefaultThresholds()
	th.RepetitionWarn = 3
	th.RepetitionInterrupt = 6
	m, _ := newTestMonitor(th)

	for i := 0; i < 4; i++ {
		m.RecordOutput("retrying connection...")
	}
	rec := m.RecommendRecovery()
	assert.Equal(t, ActionLogWarning, rec.Action)

	for i := 0; i < 4; i++ {
		m.RecordOutput("retrying connection...")
	}
	rec = m.RecommendRecovery()
	assert.Equal(t, ActionCheckpointRestart, rec.Action)
	assert.Contains(t, rec.Reason, "repeated")

	// Repetition continuing past a restart escalates.
	rec = m.RecommendRecovery()
	assert.Equal(t, ActionEscalate, rec.Action)
}

func TestLivenessWindow(t *testing.T) {
	th := DefaultThresholds()
	th.LivenessWarn = time.Minute
	th.LivenessInterrupt = 5 * time.Minute
	m, clock := newTestMonitor(th)

	m.RecordOutput("still here")

	*clock = clock.Add(2 * time.Minute)
	rec := m.RecommendRecovery()
	assert.Equal(t, ActionLogWarning, rec.Action)

	*clock = clock.Add(10 * time.Minute)
	rec = m.RecommendRecovery()
	assert.Equal(t, ActionInterrupt, rec.Action)
	assert.Contains(t, rec.Reason, "no output")

	// New output resets the clock.
	m.RecordOutput("back to work")
	rec = m.RecommendRecovery()
	assert.Equal(t, ActionNone, rec.Action)
}

func TestErrorBurst(t *testing.T) {
	th := DefaultThresholds()
	th.ErrorBurstRatio = 0.5
	m, _ := newTestMonitor(th)

	for i := 0; i < 6; i++ {
		m.RecordOutput("Error: cannot resolve module alpha" + string(rune('a'+i)))
		m.RecordOutput("trying alternative " + string(rune('a'+i)))
	}
	// 50% error lines across a >=10 line window.
	rec := m.RecommendRecovery()
	assert.Equal(t, ActionInterrupt, rec.Action)
	assert.Contains(t, rec.Reason, "error burst")
}

func TestBlankLinesDoNotCountAsRepetition(t *testing.T) {
	m, _ := newTestMonitor(DefaultThresholds())
	for i := 0; i < 50; i++ {
		m.RecordOutput("")
	}
	rec := m.RecommendRecovery()
	assert.Equal(t, ActionNone, rec.Action)
}
