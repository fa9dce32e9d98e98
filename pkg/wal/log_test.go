package wal

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/dd0wney/cluso-repository/pkg/logging"
)

func openTestLog(t *testing.T, dir string, compressed bool) *Log {
	t.Helper()
	l, err := Open(dir, Options{Compressed: compressed, NoSync: true})
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	return l
}

func TestLog_NilLoggerDiscards(t *testing.T) {
	l := openTestLog(t, t.TempDir(), false)
	defer l.Close()

	if _, ok := l.logger.(logging.NopLogger); !ok {
		t.Errorf("logger = %T, want logging.NopLogger", l.logger)
	}
}

func TestLog_AppendAndReplay(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("compressed=%v", compressed), func(t *testing.T) {
			l := openTestLog(t, t.TempDir(), compressed)
			defer l.Close()

			lsn1, err := l.Append(OpContainmentCommit, []byte("batch one"))
			if err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			lsn2, err := l.Append(OpType(7), []byte("batch two"))
			if err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			if lsn1 != 1 || lsn2 != 2 {
				t.Errorf("Expected LSNs 1,2 got %d,%d", lsn1, lsn2)
			}

			entries, err := l.ReadAll()
			if err != nil {
				t.Fatalf("Failed to read entries: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("Expected 2 entries, got %d", len(entries))
			}
			if string(entries[0].Data) != "batch one" || entries[0].OpType != OpContainmentCommit {
				t.Errorf("unexpected first entry: %+v", entries[0])
			}
			if string(entries[1].Data) != "batch two" || entries[1].OpType != OpType(7) {
				t.Errorf("unexpected second entry: %+v", entries[1])
			}
		})
	}
}

func TestLog_ReopenRecoversLSN(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, false)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(OpContainmentCommit, []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	reopened := openTestLog(t, dir, false)
	defer reopened.Close()

	if reopened.CurrentLSN() != 3 {
		t.Errorf("Expected LSN 3 after reopen, got %d", reopened.CurrentLSN())
	}
	lsn, err := reopened.Append(OpContainmentCommit, []byte("next"))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if lsn != 4 {
		t.Errorf("Expected LSN 4, got %d", lsn)
	}
}

func TestLog_TornTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, false)
	if _, err := l.Append(OpContainmentCommit, []byte("intact")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	path := l.Path()
	l.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open WAL file: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 2, 1, 0, 0}); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}
	f.Close()

	reopened := openTestLog(t, dir, false)
	defer reopened.Close()

	if _, err := reopened.Append(OpContainmentCommit, []byte("after crash")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	entries, err := reopened.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if string(entries[1].Data) != "after crash" || entries[1].LSN != 2 {
		t.Errorf("unexpected entry after recovery: %+v", entries[1])
	}
}

func TestLog_Truncate(t *testing.T) {
	l := openTestLog(t, t.TempDir(), true)
	defer l.Close()

	if _, err := l.Append(OpContainmentCommit, []byte("old")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := l.Truncate(); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	if l.CurrentLSN() != 0 {
		t.Errorf("Expected LSN 0 after truncate, got %d", l.CurrentLSN())
	}
	if _, err := l.Append(OpContainmentCommit, []byte("new")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Data) != "new" {
		t.Errorf("unexpected entries after truncate: %d", len(entries))
	}
}

func TestLog_CompressionStats(t *testing.T) {
	l := openTestLog(t, t.TempDir(), true)
	defer l.Close()

	payload := bytes.Repeat([]byte("info:cluso/parent/child "), 200)
	if _, err := l.Append(OpContainmentCommit, payload); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	stats := l.Stats()
	if stats.TotalWrites != 1 {
		t.Errorf("TotalWrites = %d", stats.TotalWrites)
	}
	if stats.BytesStored >= stats.BytesPayload {
		t.Errorf("expected compression, stored %d of %d bytes", stats.BytesStored, stats.BytesPayload)
	}
	if stats.CompressionRatio() <= 0 {
		t.Errorf("CompressionRatio() = %v", stats.CompressionRatio())
	}
}

func TestLog_ClosedRejectsAppend(t *testing.T) {
	l := openTestLog(t, t.TempDir(), false)
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := l.Append(OpContainmentCommit, nil); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
