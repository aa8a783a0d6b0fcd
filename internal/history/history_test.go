package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesExactlyThreeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "restarts.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		r := Record{Timestamp: ts, RestartCount: i, MaxRestartAttempts: 3, RunID: "run", Target: "app", PID: 42}
		require.NoError(t, sink.Send(context.Background(), r))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Len(t, m, 3)
	assert.Equal(t, "2026-03-04T05:06:07Z", m["timestamp"])
	assert.EqualValues(t, 1, m["restart_count"])
	assert.EqualValues(t, 3, m["max_restart_attempts"])

	recs, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[1].RestartCount)
	assert.True(t, recs[1].Timestamp.Equal(ts))
	assert.Empty(t, recs[1].RunID, "run id is not part of the log line")
}

func TestFileSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restarts.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = sink.Send(context.Background(), Record{Timestamp: time.Now(), RestartCount: i, MaxRestartAttempts: 20})
		}(i)
	}
	wg.Wait()

	recs, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestFileSink_Errors(t *testing.T) {
	_, err := NewFileSink("  ")
	require.Error(t, err)

	sink, err := NewFileSink(filepath.Join(t.TempDir(), "r.log"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Send(ctx, Record{}), context.Canceled)
}

func TestReadLog(t *testing.T) {
	recs, err := ReadLog(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	assert.Empty(t, recs)

	path := filepath.Join(t.TempDir(), "r.log")
	content := `{"timestamp":"2026-01-01T00:00:00Z","restart_count":1,"max_restart_attempts":3}

not json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	recs, err = ReadLog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":3:")
	assert.Len(t, recs, 1)
}

type memSink struct {
	mu   sync.Mutex
	got  []Record
	err  error
	shut bool
}

func (m *memSink) Send(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, r)
	return m.err
}

func (m *memSink) Close() error { m.shut = true; return nil }

func TestMulti(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	c := &memSink{}
	m := Multi{a, nil, b, c}

	err := m.Send(context.Background(), Record{RestartCount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1, "a failing sink must not stop later sinks")

	require.NoError(t, m.Close())
	assert.True(t, a.shut && b.shut && c.shut)
}
