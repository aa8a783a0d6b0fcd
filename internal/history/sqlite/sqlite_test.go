package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/warden/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		r := history.Record{Timestamp: time.Now().UTC(), RestartCount: i, MaxRestartAttempts: 3, RunID: "run-a", Target: "app", PID: 1000 + i}
		if err := sink.Send(ctx, r); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := sink.Send(ctx, history.Record{Timestamp: time.Now(), RestartCount: 1, RunID: "run-b"}); err != nil {
		t.Fatalf("send other run: %v", err)
	}

	n, err := sink.Count(ctx, "run-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 records for run-a, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), history.Record{Timestamp: time.Now(), RestartCount: 1, MaxRestartAttempts: 3, RunID: "mem"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(context.Background(), "mem")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 record, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
