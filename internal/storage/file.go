package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "slackpush/pkg/logx"
)

// fileStore appends delivery records to a JSON Lines file.
//
// Files:
//   - <prefix>.jsonl (append-only, rewritten on prune)
//   - <prefix>.lock  (held for the lifetime of the store)
//
// Only one process may own the log; a second Open fails with ErrLocked.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	lock *flock.Flock
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	prefix := filePrefix(path)
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(prefix + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire storage lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}

	s := &fileStore{log: log, path: prefix + ".jsonl", lock: lock}
	if err := s.reopenLocked(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

// filePrefix strips any extension so "deliveries" and "deliveries.jsonl"
// name the same log.
func filePrefix(path string) string {
	base := filepath.Base(path)
	return filepath.Join(filepath.Dir(path), strings.TrimSuffix(base, filepath.Ext(base)))
}

// readFileLog reads the log without taking the lock. Lines being appended
// concurrently are skipped as torn.
func readFileLog(ctx context.Context, path string, limit int) ([]DeliveryRecord, error) {
	s := &fileStore{path: filePrefix(path) + ".jsonl"}
	return s.RecentDeliveries(ctx, limit)
}

func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.f != nil {
		err = s.f.Close()
		s.f = nil
	}
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
		s.lock = nil
	}
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r = normalize(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].At.After(recs[j].At) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("delivery log closed")
	}
	recs, err := s.readLocked(ctx)
	if err != nil {
		return 0, err
	}
	keep := recs[:0]
	for _, r := range recs {
		if !r.At.Before(before) {
			keep = append(keep, r)
		}
	}
	removed := len(recs) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		if rerr := s.reopenLocked(); rerr != nil {
			s.log.Error("reopen delivery log failed", logx.Err(rerr))
		}
		return 0, err
	}
	return removed, s.reopenLocked()
}

func (s *fileStore) readLocked(ctx context.Context) ([]DeliveryRecord, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DeliveryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn line from a crash mid-write; skip it.
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
