package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/pkg/models"
)

func shWorker(script string) *models.Worker {
	return &models.Worker{
		ID:   "w-sh",
		Type: models.WorkerTypeGeneric,
		Launch: models.LaunchTemplate{
			Command: "sh",
			Args:    []string{"-c", script},
		},
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not on PATH")
	}
}

func drain(h SessionHandle) []string {
	var out []string
	for line := range h.Stream() {
		out = append(out, line)
	}
	return out
}

func TestGenericSessionStreamsAndExits(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`echo one; echo two; echo '<promise>COMPLETE</promise>'`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	lines := drain(h)
	require.Len(t, lines, 3)
	assert.Equal(t, "one", lines[0])
	assert.Equal(t, "<promise>COMPLETE</promise>", lines[2])

	res := h.Wait()
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestGenericSessionFastExitKeepsTailOutput(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`i=0; while [ $i -lt 2000 ]; do echo "line $i"; i=$((i+1)); done; echo '<promise>COMPLETE</promise>'`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	// The process exits long before the consumer starts reading; every
	// line, the completion signal last, must still arrive.
	time.Sleep(500 * time.Millisecond)
	lines := drain(h)

	require.Len(t, lines, 2001)
	assert.Equal(t, "line 0", lines[0])
	assert.Equal(t, "<promise>COMPLETE</promise>", lines[2000])

	res := h.Wait()
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestGenericSessionNonZeroExit(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`echo failing; exit 3`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)
	drain(h)

	res := h.Wait()
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err, "plain non-zero exit is data, not an error")
}

func TestSessionTimeout(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`sleep 30`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{
		WorkingDir:     t.TempDir(),
		TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	drain(h)

	res := h.Wait()
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestSessionStop(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`echo started; sleep 30`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	// First line proves the process is up, then kill it.
	line, ok := <-h.Stream()
	require.True(t, ok)
	assert.Equal(t, "started", line)
	require.NoError(t, h.Stop())
	drain(h)

	done := make(chan SessionResult, 1)
	go func() { done <- h.Wait() }()
	select {
	case res := <-done:
		assert.NotEqual(t, 0, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after Stop")
	}
}

func TestPromptViaStdin(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`cat`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{
		WorkingDir: t.TempDir(),
		Prompt:     "do the thing",
	})
	require.NoError(t, err)
	lines := drain(h)
	require.NotEmpty(t, lines)
	assert.Equal(t, "do the thing", lines[0])
	h.Wait()
}

func TestCompletionSignalInEnv(t *testing.T) {
	requireSh(t)
	v := newCLIVariant(models.WorkerTypeGeneric)
	w := shWorker(`printf '%s\n' "$RINGMASTER_COMPLETION_SIGNAL"`)

	h, err := v.StartSession(context.Background(), w, SessionConfig{
		WorkingDir:       t.TempDir(),
		CompletionSignal: "<promise>COMPLETE</promise>",
	})
	require.NoError(t, err)
	lines := drain(h)
	require.NotEmpty(t, lines)
	assert.Equal(t, "<promise>COMPLETE</promise>", lines[0])
	h.Wait()
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	r := NewRegistry()
	w := &models.Worker{ID: "w", Type: models.WorkerType("unknown")}
	v := r.For(w)
	require.NotNil(t, v)
	assert.Equal(t, models.WorkerTypeGeneric, v.Type())
}

func TestMockVariantScriptsSessions(t *testing.T) {
	m := NewMockVariant(models.WorkerTypeGeneric,
		NewMockSession([]string{"a", "b"}, 0))
	h, err := m.StartSession(context.Background(), &models.Worker{ID: "w"}, SessionConfig{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, drain(h))
	assert.Equal(t, 0, h.Wait().ExitCode)
	require.Len(t, m.Started, 1)
	assert.Equal(t, "p", m.Started[0].Prompt)
}
