package wccache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/wccache/wccache/ledger"
)

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	// Tracked is the number of ledger records.
	Tracked int

	// Directories is the number of entry directories on disk, including
	// untracked ones awaiting eviction.
	Directories int

	// TotalSize is the disk usage of all entry directories in bytes.
	TotalSize int64

	// OldestAccess and NewestAccess bound the recorded access times.
	// Nil when the ledger is empty.
	OldestAccess *time.Time
	NewestAccess *time.Time
}

// Stats reports entry counts, disk usage, and access-time bounds. The
// snapshot is taken without the gate and may race a concurrent mutation;
// it is informational only.
func (m *Manager) Stats() (*Stats, error) {
	led, err := ledger.Load(m.fs, m.ledgerPath)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Tracked: led.Len()}

	for _, p := range led.Paths() {
		rec, _ := led.Get(p)
		if stats.OldestAccess == nil || rec.LastAccess.Before(*stats.OldestAccess) {
			t := rec.LastAccess
			stats.OldestAccess = &t
		}
		if stats.NewestAccess == nil || rec.LastAccess.After(*stats.NewestAccess) {
			t := rec.LastAccess
			stats.NewestAccess = &t
		}
	}

	for _, s := range m.sweepRoots() {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || s.skip[entry.Name()] {
				continue
			}
			stats.Directories++
			if size, err := dirSize(filepath.Join(s.dir, entry.Name())); err == nil {
				stats.TotalSize += size
			}
		}
	}

	return stats, nil
}

// StartSweeper runs Clean at the given interval in the background and
// returns a stop function. The stop function is safe to call multiple times
// and blocks until the sweeper goroutine has fully stopped.
//
// Sweep failures are logged, not surfaced; the next interval retries.
func (m *Manager) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.Clean(); err != nil {
					log.WithError(err).Warn("background eviction sweep failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// dirSize sums the sizes of all regular files beneath path.
func dirSize(path string) (int64, error) {
	var size int64

	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			size += info.Size()
		}
		return nil
	})

	return size, err
}
