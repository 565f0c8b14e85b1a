// Package backup snapshots the turn history database on a schedule so the
// bridge can lose its data directory without losing the audit of what the
// agents did.
package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

const snapshotSuffix = ".db.gz"

// Manager handles snapshot and restore of the history database.
type Manager struct {
	dbPath    string
	backupDir string
	retention int
	interval  time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds backup configuration.
type Config struct {
	DBPath    string        // the live history database file
	BackupDir string        // where snapshots are written
	Retention int           // number of snapshots to keep
	Interval  time.Duration // how often to snapshot (0 = manual only)
}

// Snapshot describes one stored backup.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a Manager and its backup directory.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Manager{
		dbPath:    cfg.DBPath,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
	}, nil
}

// Start begins periodic snapshots if an interval is configured.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.SnapshotNow(); err != nil {
					logger.Error("history backup failed: %v", err)
				}
			}
		}
	}()

	logger.Info("history backup started (interval=%v, retention=%d)", m.interval, m.retention)
}

// Stop halts periodic snapshots.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		logger.Info("history backup stopped")
	}
}

// SnapshotNow writes one compressed copy of the database. SQLite keeps the
// file consistent for readers, so copying the live file yields a usable
// snapshot as long as WAL mode is off.
func (m *Manager) SnapshotNow() (*Snapshot, error) {
	src, err := os.Open(m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	defer func() { _ = src.Close() }()

	timestamp := time.Now()
	filename := "history_" + timestamp.Format("20060102_150405") + snapshotSuffix
	backupPath := filepath.Join(m.backupDir, filename)

	dst, err := os.Create(backupPath)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		_ = os.Remove(backupPath)
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		_ = os.Remove(backupPath)
		return nil, fmt.Errorf("finishing snapshot: %w", err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}

	logger.Info("history snapshot %s (%d bytes)", filename, stat.Size())
	m.enforceRetention()

	return &Snapshot{Timestamp: timestamp, Filename: filename, SizeBytes: stat.Size()}, nil
}

// Restore replaces the history database with the named snapshot. The store
// must be closed while this runs.
func (m *Manager) Restore(filename string) error {
	backupPath := filepath.Join(m.backupDir, filepath.Base(filename))
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("decompressing snapshot: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tmp := m.dbPath + ".restore"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating restore file: %w", err)
	}
	if _, err := io.Copy(dst, gr); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing restore file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.dbPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing history database: %w", err)
	}

	logger.Info("restored history from %s", filename)
	return nil
}

// ListSnapshots returns stored snapshots, newest first.
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "history_"), snapshotSuffix)
		timestamp, err := time.Parse("20060102_150405", dateStr)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// ExportManifest renders the snapshot inventory as JSON.
func (m *Manager) ExportManifest() ([]byte, error) {
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return nil, err
	}
	manifest := struct {
		ExportedAt time.Time  `json:"exported_at"`
		BackupDir  string     `json:"backup_dir"`
		Snapshots  []Snapshot `json:"snapshots"`
	}{
		ExportedAt: time.Now(),
		BackupDir:  m.backupDir,
		Snapshots:  snapshots,
	}
	return json.MarshalIndent(manifest, "", "  ")
}

// enforceRetention removes snapshots beyond the retention count.
func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return
	}
	for i := m.retention; i < len(snapshots); i++ {
		path := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(path); err == nil {
			logger.Info("removed old snapshot %s", snapshots[i].Filename)
		}
	}
}
