package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	l, err := NewFileLogger(path, 8)
	require.NoError(t, err)

	l.Record(Event{Kind: KindAssessment, SessionID: "sess-1", Details: map[string]any{"level": "high"}})
	l.Record(Event{Kind: KindEscalation, SessionID: "sess-1", CaseID: "case-1"})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 2)
	assert.Equal(t, KindAssessment, events[0].Kind)
	assert.Equal(t, "high", events[0].Details["level"])
	assert.Equal(t, "case-1", events[1].CaseID)
	assert.False(t, events[0].At.IsZero(), "timestamp is stamped on enqueue")
}

func TestFileLoggerRecordAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	l, err := NewFileLogger(path, 8)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Must not panic on a closed channel.
	l.Record(Event{Kind: KindAlert})
	require.NoError(t, l.Close(), "double close is a no-op")
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Record(Event{Kind: KindQuery})
	assert.NoError(t, l.Close())
}
