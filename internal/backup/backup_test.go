package backup

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, retention int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	if err := os.WriteFile(dbPath, []byte("sqlite-payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := New(Config{
		DBPath:    dbPath,
		BackupDir: filepath.Join(dir, "backups"),
		Retention: retention,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, dbPath
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	m, dbPath := newTestManager(t, 5)

	snap, err := m.SnapshotNow()
	if err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	if snap.SizeBytes == 0 {
		t.Error("snapshot is empty")
	}

	// Decompressed snapshot matches the source database.
	f, err := os.Open(filepath.Join(m.backupDir, snap.Filename))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("snapshot is not gzip: %v", err)
	}
	content, err := io.ReadAll(gr)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "sqlite-payload" {
		t.Errorf("snapshot content = %q", content)
	}

	// Corrupt the live database, then restore.
	if err := os.WriteFile(dbPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(snap.Filename); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != "sqlite-payload" {
		t.Errorf("restored content = %q", restored)
	}
}

func TestSnapshotMissingDatabase(t *testing.T) {
	m, dbPath := newTestManager(t, 5)
	if err := os.Remove(dbPath); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SnapshotNow(); err == nil {
		t.Error("expected error for missing database")
	}
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	m, _ := newTestManager(t, 5)
	for _, name := range []string{
		"history_20260101_000000.db.gz",
		"history_20260301_000000.db.gz",
		"history_20260201_000000.db.gz",
		"not-a-snapshot.txt",
	} {
		if err := os.WriteFile(filepath.Join(m.backupDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	snaps, err := m.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	if !snaps[0].Timestamp.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first snapshot = %v", snaps[0])
	}
}

func TestRetentionRemovesOldest(t *testing.T) {
	m, _ := newTestManager(t, 2)
	for _, name := range []string{
		"history_20260101_000000.db.gz",
		"history_20260102_000000.db.gz",
	} {
		if err := os.WriteFile(filepath.Join(m.backupDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// The new snapshot is the third; the oldest goes.
	if _, err := m.SnapshotNow(); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	snaps, err := m.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	for _, s := range snaps {
		if s.Filename == "history_20260101_000000.db.gz" {
			t.Error("oldest snapshot survived retention")
		}
	}
}
