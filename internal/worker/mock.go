package worker

import (
	"context"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

// MockVariant scripts sessions for tests: each StartSession pops the
// next scripted session, or replays the last one.
type MockVariant struct {
	WorkerType models.WorkerType
	Available  bool
	Sessions   []*MockSession
	Started    []SessionConfig

	next int
}

// NewMockVariant creates an available mock for the given type.
func NewMockVariant(t models.WorkerType, sessions ...*MockSession) *MockVariant {
	return &MockVariant{WorkerType: t, Available: true, Sessions: sessions}
}

func (m *MockVariant) Type() models.WorkerType { return m.WorkerType }

func (m *MockVariant) IsAvailable() bool { return m.Available }

func (m *MockVariant) StartSession(ctx context.Context, w *models.Worker, cfg SessionConfig) (SessionHandle, error) {
	m.Started = append(m.Started, cfg)
	if len(m.Sessions) == 0 {
		return NewMockSession(nil, 0), nil
	}
	s := m.Sessions[m.next]
	if m.next < len(m.Sessions)-1 {
		m.next++
	}
	s.start()
	return s, nil
}

// MockSession emits scripted lines, then terminates with the scripted
// exit code.
type MockSession struct {
	scriptLines []string
	exitCode    int
	delay       time.Duration

	lines   chan string
	done    chan struct{}
	stopped chan struct{}
}

// NewMockSession scripts one session.
func NewMockSession(lines []string, exitCode int) *MockSession {
	return &MockSession{
		scriptLines: lines,
		exitCode:    exitCode,
		lines:       make(chan string, len(lines)+1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// WithDelay makes the session pause between lines, for monitor tests.
func (s *MockSession) WithDelay(d time.Duration) *MockSession {
	s.delay = d
	return s
}

func (s *MockSession) start() {
	go func() {
		defer close(s.lines)
		defer close(s.done)
		for _, line := range s.scriptLines {
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-s.stopped:
					return
				}
			}
			select {
			case s.lines <- line:
			case <-s.stopped:
				return
			}
		}
	}()
}

func (s *MockSession) Stream() <-chan string { return s.lines }

func (s *MockSession) Wait() SessionResult {
	<-s.done
	select {
	case <-s.stopped:
		return SessionResult{ExitCode: -1, Err: context.Canceled}
	default:
		return SessionResult{ExitCode: s.exitCode}
	}
}

func (s *MockSession) Stop() error {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	return nil
}
