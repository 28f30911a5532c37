package wccache

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/jmgilman/go/errors"

	"github.com/wccache/wccache/config"
	"github.com/wccache/wccache/fsutil"
	"github.com/wccache/wccache/hostlock"
	"github.com/wccache/wccache/ledger"
	"github.com/wccache/wccache/vcs"
)

// Manager orchestrates all mutating operations on one cache. Every operation
// acquires the host-wide gate, re-reads the ledger, performs its filesystem
// and VCS work, and persists the ledger before releasing the gate, on every
// exit path, success or failure.
type Manager struct {
	root            string
	ledgerPath      string
	repositoryURL   string
	mainlineTTL     time.Duration
	tagsBranchesTTL time.Duration

	client vcs.Client
	gate   Gate
	fs     billy.Filesystem
	// removeAll is fsutil.ForceRemoveAll; a field so sweep failure handling
	// is testable.
	removeAll func(string) error
}

// New creates a Manager for the configured cache, creating the export root
// if necessary.
//
// By default the manager uses a go-git client built from the configured
// credentials, a flock-based gate on the configured lock file, and the local
// filesystem for ledger I/O. Each can be replaced via options.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Directory work resolves against the working directory while ledger I/O
	// goes through a filesystem rooted at /. A relative root would split the
	// cache between the two, so every configured path becomes absolute here.
	root, err := filepath.Abs(cfg.ExportRoot)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to resolve export root %s", cfg.ExportRoot)
	}

	ledgerPath := cfg.LedgerFile
	if ledgerPath == "" {
		ledgerPath = filepath.Join(root, "ledger.json")
	}
	if ledgerPath, err = filepath.Abs(ledgerPath); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to resolve ledger file %s", cfg.LedgerFile)
	}

	lockPath := cfg.LockFile
	if lockPath == "" {
		lockPath = hostlock.DefaultPath(root)
	}
	if lockPath, err = filepath.Abs(lockPath); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to resolve lock file %s", cfg.LockFile)
	}

	m := &Manager{
		root:            root,
		ledgerPath:      ledgerPath,
		repositoryURL:   cfg.RepositoryURL,
		mainlineTTL:     cfg.MainlineTTL(),
		tagsBranchesTTL: cfg.TagsBranchesTTL(),
		fs:              osfs.New("/"),
		removeAll:       fsutil.ForceRemoveAll,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		gitOpts := []vcs.GitOption{vcs.WithBasicAuth(cfg.Username, cfg.Password)}
		if cfg.InsecureSkipTLS {
			gitOpts = append(gitOpts, vcs.WithInsecureTLS())
		}
		m.client = vcs.NewGitClient(gitOpts...)
	}
	if m.gate == nil {
		m.gate = hostlock.New(lockPath)
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to create export root %s", m.root)
	}

	return m, nil
}

// Update checks out or refreshes the working copy for a repository-relative
// path. If the destination is absent it is checked out fresh; if present it
// is updated in place.
//
// A VCS failure on a pre-existing destination is treated as an inconsistent
// working copy: the destination and its ledger record are discarded and the
// error is swallowed, so the next Update performs a clean checkout. Only when
// that self-heal deletion itself fails does Update return an error, since the
// cache is then left in an unresolved state. A checkout failure on a fresh
// destination is always propagated.
func (m *Manager) Update(ctx context.Context, relPath string) (err error) {
	if err := validateRelPath(relPath); err != nil {
		return err
	}
	dest := m.destination(relPath)

	release, err := m.gate.Acquire()
	if err != nil {
		return err
	}
	defer release()

	led, err := ledger.Load(m.fs, m.ledgerPath)
	if err != nil {
		return err
	}
	defer m.persist(led, &err)

	exists, err := fsutil.Exists(dest)
	if err != nil {
		return err
	}

	if !exists {
		if cerr := m.client.Checkout(ctx, m.targetFor(relPath), dest); cerr != nil {
			return errors.WrapWithContext(cerr, errors.CodeExecutionFailed, "checkout failed",
				map[string]interface{}{"path": relPath, "destination": dest})
		}
		led.Touch(dest, time.Now())
		return nil
	}

	if uerr := m.client.Update(ctx, dest); uerr != nil {
		// Self-heal: the working copy is inconsistent. Discard it so the
		// next Update recreates it cleanly.
		log.WithError(uerr).WithField("destination", dest).
			Warn("update failed; discarding working copy for re-checkout")

		if derr := m.removeAll(dest); derr != nil {
			return errors.WrapWithContext(derr, errors.CodeInternal,
				"failed to remove inconsistent working copy",
				map[string]interface{}{"destination": dest, "updateError": uerr.Error()})
		}
		led.Remove(dest)
		return nil
	}

	led.Touch(dest, time.Now())
	return nil
}

// Export materializes a pinned snapshot of a repository-relative path at the
// given revision. An existing destination is an immutable cache hit: only its
// access time is refreshed, the export is never re-fetched.
//
// Failures always propagate. A half-written snapshot is never silently
// discarded; it demands operator attention rather than automatic recovery.
func (m *Manager) Export(ctx context.Context, relPath, revision string) (err error) {
	if err := validateRelPath(relPath); err != nil {
		return err
	}
	if err := validateRevision(revision); err != nil {
		return err
	}
	dest := m.exportDestination(relPath, revision)

	release, err := m.gate.Acquire()
	if err != nil {
		return err
	}
	defer release()

	led, err := ledger.Load(m.fs, m.ledgerPath)
	if err != nil {
		return err
	}
	defer m.persist(led, &err)

	exists, err := fsutil.Exists(dest)
	if err != nil {
		return err
	}

	if !exists {
		if xerr := m.client.Export(ctx, m.targetFor(relPath), revision, dest); xerr != nil {
			return errors.WrapWithContext(xerr, errors.CodeExecutionFailed, "export failed",
				map[string]interface{}{"path": relPath, "revision": revision, "destination": dest})
		}
	}

	led.Touch(dest, time.Now())
	return nil
}

// Remove evicts a single working copy and its ledger record. A missing
// destination still drops the record.
func (m *Manager) Remove(relPath string) (err error) {
	if err := validateRelPath(relPath); err != nil {
		return err
	}
	dest := m.destination(relPath)

	release, err := m.gate.Acquire()
	if err != nil {
		return err
	}
	defer release()

	led, err := ledger.Load(m.fs, m.ledgerPath)
	if err != nil {
		return err
	}
	defer m.persist(led, &err)

	if derr := m.removeAll(dest); derr != nil {
		return derr
	}
	led.Remove(dest)
	return nil
}

// Clean evicts idle and orphaned cache entries.
//
// Three roots are swept: the export root itself under the mainline TTL
// (skipping the tags/ and branches/ container directories), and the tags/
// and branches/ subtrees under the secondary TTL. A tracked entry is evicted
// once idle beyond its root's TTL; an untracked directory is evicted
// unconditionally, regardless of age. After each root's sweep the ledger is
// reconciled so no record outlives its directory.
//
// Per-directory deletion failures do not abort the sweep; they are collected
// and raised together after the ledger has been persisted, so a partial
// sweep still commits its progress.
func (m *Manager) Clean() (err error) {
	release, err := m.gate.Acquire()
	if err != nil {
		return err
	}
	defer release()

	led, err := ledger.Load(m.fs, m.ledgerPath)
	if err != nil {
		return err
	}
	defer m.persist(led, &err)

	now := time.Now()

	var failures []error
	for _, s := range m.sweepRoots() {
		failures = append(failures, m.sweep(led, s.dir, s.ttl, s.skip, now)...)
		m.reconcile(led)
	}

	if len(failures) > 0 {
		return errors.Wrapf(stderrors.Join(failures...), errors.CodeInternal,
			"eviction sweep completed with %d failures", len(failures))
	}
	return nil
}

// sweepRoot is one directory whose immediate children are cache entries
// governed by a single TTL.
type sweepRoot struct {
	dir  string
	ttl  time.Duration
	skip map[string]bool
}

// sweepRoots returns the three entry roots: the export root itself (mainline
// TTL, skipping the tags/branches container directories) and the tags/ and
// branches/ subtrees (secondary TTL).
func (m *Manager) sweepRoots() []sweepRoot {
	return []sweepRoot{
		{m.root, m.mainlineTTL, map[string]bool{tagsDir: true, branchesDir: true}},
		{filepath.Join(m.root, tagsDir), m.tagsBranchesTTL, nil},
		{filepath.Join(m.root, branchesDir), m.tagsBranchesTTL, nil},
	}
}

// sweep enumerates the immediate child directories of dir and evicts the
// stale and untracked ones. Deletion failures are returned for aggregation.
func (m *Manager) sweep(led *ledger.Ledger, dir string, ttl time.Duration, skip map[string]bool, now time.Time) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{errors.Wrapf(err, errors.CodeInternal, "failed to enumerate %s", dir)}
	}

	var failures []error
	for _, entry := range entries {
		if !entry.IsDir() || skip[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		rec, tracked := led.Get(path)
		switch {
		case !tracked:
			// Orphaned: the directory exists but eviction history does not
			// know it, so it cannot age out. Remove it now.
			log.WithField("path", path).Debug("evicting untracked cache entry")
		case now.Sub(rec.LastAccess) > ttl:
			log.WithFields(log.Fields{
				"path":       path,
				"lastAccess": rec.LastAccess,
			}).Debug("evicting idle cache entry")
		default:
			continue
		}

		if derr := m.removeAll(path); derr != nil {
			failures = append(failures, derr)
			continue
		}
		led.Remove(path)
	}

	return failures
}

// reconcile drops every ledger record whose path no longer exists on disk.
func (m *Manager) reconcile(led *ledger.Ledger) {
	for _, p := range led.Paths() {
		exists, err := fsutil.Exists(p)
		if err == nil && !exists {
			led.Remove(p)
		}
	}
}

// persist writes the ledger back in the cleanup phase of a mutating
// operation. Changes already made are committed even when the operation
// failed; a save failure never masks an earlier error.
func (m *Manager) persist(led *ledger.Ledger, err *error) {
	if serr := led.Save(); serr != nil {
		if *err == nil {
			*err = serr
		} else {
			log.WithError(serr).WithField("ledger", m.ledgerPath).Error("failed to persist ledger")
		}
	}
}
