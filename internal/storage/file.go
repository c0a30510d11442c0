package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "padbridge/pkg/logx"
)

// fileStore is a JSON Lines persistence backend.
//
// Files:
//   - <prefix>.snapshots.jsonl (append-only, compacted to the retention window)
//   - <prefix>.events.jsonl    (append-only)
//
// The newest snapshots are also kept in memory for RecentSnapshots.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapPath  string
	snapFile  *os.File
	eventFile *os.File

	retention int
	recent    []Snapshot // oldest first, len <= retention
	lines     int        // snapshot lines currently in snapPath
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		snapPath:  prefix + ".snapshots.jsonl",
		retention: cfg.retention(),
	}
	if err := s.loadSnapshots(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot replay failed", logx.Err(err))
	}

	sf, err := os.OpenFile(s.snapPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	ef, err := os.OpenFile(prefix+".events.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}
	s.snapFile = sf
	s.eventFile = ef
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.snapFile != nil {
		err1 = s.snapFile.Close()
		s.snapFile = nil
	}
	if s.eventFile != nil {
		err2 = s.eventFile.Close()
		s.eventFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapFile == nil {
		return errors.New("snapshot file closed")
	}
	if err := json.NewEncoder(s.snapFile).Encode(snap); err != nil {
		return err
	}
	s.lines++
	s.push(snap)
	if s.lines >= 2*s.retention {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]Snapshot, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) AppendEvent(ctx context.Context, e TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFile == nil {
		return errors.New("event file closed")
	}
	return json.NewEncoder(s.eventFile).Encode(e)
}

func (s *fileStore) push(snap Snapshot) {
	s.recent = append(s.recent, snap)
	if over := len(s.recent) - s.retention; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

// compactLocked rewrites the snapshot file with the in-memory window.
func (s *fileStore) compactLocked() error {
	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, snap := range s.recent {
		if err := enc.Encode(snap); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.snapPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.snapFile.Close()
	s.snapFile = nf
	s.lines = len(s.recent)
	return nil
}

func (s *fileStore) loadSnapshots() error {
	f, err := os.Open(s.snapPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		s.lines++
		var snap Snapshot
		if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
			continue
		}
		s.push(snap)
	}
	return sc.Err()
}
