package outputbuf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAssignsMonotonicLineNumbers(t *testing.T) {
	buf := New(100)
	for i := 0; i < 10; i++ {
		line := buf.Write("w1", fmt.Sprintf("line %d", i))
		assert.Equal(t, int64(i+1), line.LineNumber)
	}
	// Numbering is per worker.
	assert.Equal(t, int64(1), buf.Write("w2", "first").LineNumber)
}

func TestRingWrapKeepsNumbering(t *testing.T) {
	buf := New(5)
	for i := 0; i < 12; i++ {
		buf.Write("w1", fmt.Sprintf("line %d", i))
	}
	got := buf.GetRecent("w1", 0, 0)
	require.Len(t, got, 5)
	assert.Equal(t, int64(8), got[0].LineNumber)
	assert.Equal(t, int64(12), got[4].LineNumber)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].LineNumber+1, got[i].LineNumber)
	}
}

func TestGetRecentSinceLine(t *testing.T) {
	buf := New(100)
	for i := 0; i < 20; i++ {
		buf.Write("w1", fmt.Sprintf("line %d", i))
	}

	got := buf.GetRecent("w1", 5, 10)
	require.Len(t, got, 5)
	for _, l := range got {
		assert.Greater(t, l.LineNumber, int64(10))
	}
	assert.Equal(t, int64(11), got[0].LineNumber)

	// since past the end returns nothing.
	assert.Empty(t, buf.GetRecent("w1", 5, 20))
	// Unknown worker returns nothing.
	assert.Empty(t, buf.GetRecent("nope", 5, 0))
}

func TestGetRecentTailWithoutSince(t *testing.T) {
	buf := New(100)
	for i := 0; i < 20; i++ {
		buf.Write("w1", fmt.Sprintf("line %d", i))
	}
	got := buf.GetRecent("w1", 3, 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(18), got[0].LineNumber)
	assert.Equal(t, int64(20), got[2].LineNumber)
}

func TestSubscribeReceivesWrites(t *testing.T) {
	buf := New(100)
	q := buf.Subscribe("w1", "sub1")
	defer buf.Unsubscribe("w1", "sub1")

	buf.Write("w1", "hello")
	buf.Write("w2", "other worker")

	select {
	case line := <-q:
		assert.Equal(t, "hello", line.Text)
	default:
		t.Fatal("no line delivered")
	}
	select {
	case line := <-q:
		t.Fatalf("unexpected cross-worker line: %v", line)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	buf := New(DefaultMaxLines)
	q := buf.Subscribe("w1", "slow")
	defer buf.Unsubscribe("w1", "slow")

	total := subscriberQueueSize + 10
	for i := 0; i < total; i++ {
		buf.Write("w1", fmt.Sprintf("line %d", i))
	}

	first := <-q
	assert.Equal(t, int64(11), first.LineNumber)
}

func TestClearResetsNumbering(t *testing.T) {
	buf := New(100)
	buf.Write("w1", "a")
	buf.Write("w1", "b")
	buf.Clear("w1")

	assert.Empty(t, buf.GetRecent("w1", 0, 0))
	assert.Equal(t, int64(1), buf.Write("w1", "fresh").LineNumber)
}

func TestStats(t *testing.T) {
	buf := New(3)
	for i := 0; i < 5; i++ {
		buf.Write("w1", "x")
	}
	buf.Write("w2", "y")

	stats := buf.Stats()
	assert.Equal(t, int64(3), stats["w1"]["line_count"])
	assert.Equal(t, int64(5), stats["w1"]["total_lines"])
	assert.Equal(t, int64(1), stats["w2"]["line_count"])
}
