// Package outputbuf holds per-worker bounded rings of output lines and fans
// writes out to live subscribers. The ring bounds memory; durable history is
// the executor's per-iteration log file, not this buffer.
package outputbuf

import (
	"sync"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

// DefaultMaxLines is the per-worker ring capacity.
const DefaultMaxLines = 10000

const subscriberQueueSize = 512

type workerBuffer struct {
	lines      []models.OutputLine // ring storage
	head       int                 // next write index
	count      int                 // filled entries
	nextLine   int64               // next line number to assign
	totalLines int64               // lines ever written (survives ring wrap)
}

// Buffer is the set of per-worker output rings.
type Buffer struct {
	mu          sync.RWMutex
	maxLines    int
	workers     map[string]*workerBuffer
	subscribers map[string]map[string]chan models.OutputLine // worker -> subscriber id -> queue
}

// New creates a buffer with the given per-worker capacity. maxLines <= 0
// selects DefaultMaxLines.
func New(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Buffer{
		maxLines:    maxLines,
		workers:     make(map[string]*workerBuffer),
		subscribers: make(map[string]map[string]chan models.OutputLine),
	}
}

// Write appends a line for the worker, assigns the next line number, and
// fans it out to subscribers with best-effort delivery.
func (b *Buffer) Write(workerID, text string) models.OutputLine {
	b.mu.Lock()
	wb, ok := b.workers[workerID]
	if !ok {
		wb = &workerBuffer{lines: make([]models.OutputLine, b.maxLines), nextLine: 1}
		b.workers[workerID] = wb
	}

	line := models.OutputLine{
		WorkerID:   workerID,
		LineNumber: wb.nextLine,
		Timestamp:  time.Now().UTC(),
		Text:       text,
	}
	wb.nextLine++
	wb.totalLines++

	wb.lines[wb.head] = line
	wb.head = (wb.head + 1) % len(wb.lines)
	if wb.count < len(wb.lines) {
		wb.count++
	}

	for _, q := range b.subscribers[workerID] {
		select {
		case q <- line:
		default:
			// Full queue: drop the oldest entry to make room.
			select {
			case <-q:
			default:
			}
			select {
			case q <- line:
			default:
			}
		}
	}
	b.mu.Unlock()
	return line
}

// GetRecent returns up to limit lines for the worker. When sinceLine > 0
// only lines with a strictly greater line number are returned (oldest
// first); otherwise the newest limit lines are returned in write order.
func (b *Buffer) GetRecent(workerID string, limit int, sinceLine int64) []models.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wb, ok := b.workers[workerID]
	if !ok || wb.count == 0 {
		return nil
	}
	if limit <= 0 {
		limit = wb.count
	}

	// Oldest entry lives at head-count (mod len).
	ordered := make([]models.OutputLine, 0, wb.count)
	start := wb.head - wb.count
	for i := 0; i < wb.count; i++ {
		idx := (start + i + len(wb.lines)) % len(wb.lines)
		ordered = append(ordered, wb.lines[idx])
	}

	if sinceLine > 0 {
		var out []models.OutputLine
		for _, l := range ordered {
			if l.LineNumber > sinceLine {
				out = append(out, l)
				if len(out) == limit {
					break
				}
			}
		}
		return out
	}

	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Subscribe registers a live queue for the worker's output.
func (b *Buffer) Subscribe(workerID, subscriberID string) chan models.OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := make(chan models.OutputLine, subscriberQueueSize)
	if b.subscribers[workerID] == nil {
		b.subscribers[workerID] = make(map[string]chan models.OutputLine)
	}
	if old, ok := b.subscribers[workerID][subscriberID]; ok {
		close(old)
	}
	b.subscribers[workerID][subscriberID] = q
	return q
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Buffer) Unsubscribe(workerID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[workerID]; ok {
		if q, ok := subs[subscriberID]; ok {
			delete(subs, subscriberID)
			close(q)
		}
		if len(subs) == 0 {
			delete(b.subscribers, workerID)
		}
	}
}

// Clear empties the worker's ring and resets its line numbering.
func (b *Buffer) Clear(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wb, ok := b.workers[workerID]; ok {
		wb.head = 0
		wb.count = 0
		wb.nextLine = 1
		wb.totalLines = 0
	}
}

// Stats reports per-worker line counts.
func (b *Buffer) Stats() map[string]map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]map[string]int64, len(b.workers))
	for id, wb := range b.workers {
		out[id] = map[string]int64{
			"line_count":  int64(wb.count),
			"total_lines": wb.totalLines,
		}
	}
	return out
}
