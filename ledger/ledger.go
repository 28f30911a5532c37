// Package ledger persists the per-entry access history of the cache.
//
// The ledger is a flat JSON array of records mapping an absolute cache-entry
// path to the time it was last successfully accessed. It is re-read from disk
// at the start of every mutating cache operation and rewritten wholesale at
// the end of that operation; there are no partial updates. Callers serialize
// all access through the host-wide gate, so the ledger itself carries no
// locking.
package ledger

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
)

// Record tracks the last successful access to a single cache entry.
type Record struct {
	Path       string    `json:"path"`
	LastAccess time.Time `json:"lastAccessTime"`
}

// Ledger is an in-memory view of the persisted access history, keyed by
// absolute entry path. At most one record exists per path.
type Ledger struct {
	fs      billy.Filesystem
	path    string
	records map[string]Record
}

// Load reads the ledger file at path. A missing file yields an empty ledger;
// eviction history simply has not been recorded yet. A file that exists but
// cannot be parsed is an error annotated with the file path, never an empty
// ledger, since that would silently erase all eviction history.
func Load(fs billy.Filesystem, path string) (*Ledger, error) {
	l := &Ledger{
		fs:      fs,
		path:    path,
		records: make(map[string]Record),
	}

	data, err := util.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to read ledger file %s", path)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidInput, "failed to parse ledger file",
			map[string]interface{}{"path": path})
	}

	for _, r := range records {
		l.records[r.Path] = r
	}

	return l, nil
}

// Save serializes the full record set and overwrites the backing file
// entirely. The write goes to a temporary file first and is renamed into
// place, so a crash mid-save never leaves a truncated ledger behind.
func (l *Ledger) Save() error {
	records := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to marshal ledger")
	}

	tmpPath := l.path + ".tmp"
	tmpFile, err := l.fs.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to create temporary ledger file %s", tmpPath)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = l.fs.Remove(tmpPath)
		return errors.Wrapf(err, errors.CodeInternal, "failed to write temporary ledger file %s", tmpPath)
	}

	if err := tmpFile.Close(); err != nil {
		_ = l.fs.Remove(tmpPath)
		return errors.Wrapf(err, errors.CodeInternal, "failed to close temporary ledger file %s", tmpPath)
	}

	if err := l.fs.Rename(tmpPath, l.path); err != nil {
		_ = l.fs.Remove(tmpPath)
		return errors.Wrapf(err, errors.CodeInternal, "failed to rename ledger file %s", l.path)
	}

	return nil
}

// Touch inserts or refreshes the record for path with the given time.
func (l *Ledger) Touch(path string, now time.Time) {
	l.records[path] = Record{Path: path, LastAccess: now}
}

// Remove drops the record for path. Removing an untracked path is a no-op.
func (l *Ledger) Remove(path string) {
	delete(l.records, path)
}

// Get returns the record for path, if one exists.
func (l *Ledger) Get(path string) (Record, bool) {
	r, ok := l.records[path]
	return r, ok
}

// Paths returns the tracked entry paths. The returned slice is a copy and
// safe to iterate while mutating the ledger.
func (l *Ledger) Paths() []string {
	paths := make([]string, 0, len(l.records))
	for p := range l.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of tracked entries.
func (l *Ledger) Len() int {
	return len(l.records)
}
