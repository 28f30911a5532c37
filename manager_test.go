package wccache

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/wccache/wccache/config"
	"github.com/wccache/wccache/ledger"
	"github.com/wccache/wccache/vcs"
)

// fakeClient implements vcs.Client against the local filesystem so manager
// behavior can be exercised without a remote repository.
type fakeClient struct {
	mu            sync.Mutex
	checkoutCalls int
	updateCalls   int
	exportCalls   int
	lastTarget    vcs.Target

	failCheckout bool
	failUpdate   bool
	failExport   bool
	// partialExport leaves a half-written destination behind on export
	// failure, as a crashed export would.
	partialExport bool
}

func (c *fakeClient) Checkout(_ context.Context, target vcs.Target, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkoutCalls++
	c.lastTarget = target

	if c.failCheckout {
		return stderrors.New("checkout refused")
	}
	return writeEntry(dest, "checkout.txt")
}

func (c *fakeClient) Update(_ context.Context, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updateCalls++

	if c.failUpdate {
		return stderrors.New("working copy inconsistent")
	}
	return nil
}

func (c *fakeClient) Export(_ context.Context, target vcs.Target, revision, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exportCalls++
	c.lastTarget = target

	if c.failExport {
		if c.partialExport {
			_ = writeEntry(dest, "partial.txt")
		}
		return stderrors.New("export interrupted")
	}
	return writeEntry(dest, "export.txt")
}

func writeEntry(dest, name string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, name), []byte("content\n"), 0o644)
}

func newTestManager(t *testing.T) (*Manager, *fakeClient, string) {
	t.Helper()

	root := filepath.Join(t.TempDir(), "cache")
	client := &fakeClient{}

	m, err := New(&config.Config{
		RepositoryURL:       "https://vcs.example.com/repo",
		ExportRoot:          root,
		MainlineTTLDays:     7,
		TagsBranchesTTLDays: 7,
	}, WithClient(client))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return m, client, root
}

// loadLedger reads the ledger the manager persisted.
func loadLedger(t *testing.T, root string) *ledger.Ledger {
	t.Helper()

	led, err := ledger.Load(osfs.New("/"), filepath.Join(root, "ledger.json"))
	if err != nil {
		t.Fatalf("ledger.Load() error = %v", err)
	}
	return led
}

// seedLedger persists records with fixed access times, as an earlier
// operation would have.
func seedLedger(t *testing.T, root string, records map[string]time.Time) {
	t.Helper()

	led, err := ledger.Load(osfs.New("/"), filepath.Join(root, "ledger.json"))
	if err != nil {
		t.Fatalf("ledger.Load() error = %v", err)
	}
	for path, at := range records {
		led.Touch(path, at)
	}
	if err := led.Save(); err != nil {
		t.Fatalf("ledger.Save() error = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("checks out an absent destination", func(t *testing.T) {
		m, client, root := newTestManager(t)

		if err := m.Update(ctx, "tags/a"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		if client.checkoutCalls != 1 {
			t.Errorf("checkoutCalls = %v, want 1", client.checkoutCalls)
		}
		if client.lastTarget.Tag != "a" {
			t.Errorf("target.Tag = %q, want %q", client.lastTarget.Tag, "a")
		}
		if _, err := os.Stat(filepath.Join(root, "tags", "a")); err != nil {
			t.Errorf("destination missing: %v", err)
		}

		led := loadLedger(t, root)
		if led.Len() != 1 {
			t.Errorf("ledger has %v records, want 1", led.Len())
		}
		if _, ok := led.Get(filepath.Join(root, "tags", "a")); !ok {
			t.Error("ledger missing record for destination")
		}
	})

	t.Run("refreshes an existing destination", func(t *testing.T) {
		m, client, root := newTestManager(t)

		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("first Update() error = %v", err)
		}
		first, _ := loadLedger(t, root).Get(filepath.Join(root, "trunk"))

		time.Sleep(10 * time.Millisecond)

		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("second Update() error = %v", err)
		}

		if client.checkoutCalls != 1 {
			t.Errorf("checkoutCalls = %v, want 1", client.checkoutCalls)
		}
		if client.updateCalls != 1 {
			t.Errorf("updateCalls = %v, want 1", client.updateCalls)
		}

		second, _ := loadLedger(t, root).Get(filepath.Join(root, "trunk"))
		if !second.LastAccess.After(first.LastAccess) {
			t.Errorf("second access time %v not after first %v", second.LastAccess, first.LastAccess)
		}
	})

	t.Run("derives branch targets", func(t *testing.T) {
		m, client, _ := newTestManager(t)

		if err := m.Update(ctx, "branches/dev"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if client.lastTarget.Branch != "dev" {
			t.Errorf("target.Branch = %q, want %q", client.lastTarget.Branch, "dev")
		}
	})

	t.Run("self-heals an inconsistent working copy", func(t *testing.T) {
		m, client, root := newTestManager(t)
		dest := filepath.Join(root, "trunk")

		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		client.failUpdate = true
		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("Update() on inconsistent copy error = %v, want swallowed", err)
		}

		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Error("inconsistent destination was not removed")
		}
		if _, ok := loadLedger(t, root).Get(dest); ok {
			t.Error("ledger record survived self-heal")
		}

		// The next Update recovers via a fresh checkout.
		client.failUpdate = false
		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("recovery Update() error = %v", err)
		}
		if client.checkoutCalls != 2 {
			t.Errorf("checkoutCalls = %v, want 2", client.checkoutCalls)
		}
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("destination missing after recovery: %v", err)
		}
	})

	t.Run("surfaces a failed self-heal deletion", func(t *testing.T) {
		m, client, root := newTestManager(t)
		dest := filepath.Join(root, "trunk")

		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		client.failUpdate = true
		m.removeAll = func(string) error { return stderrors.New("file locked by another process") }

		err := m.Update(ctx, "trunk")
		if err == nil {
			t.Fatal("Update() error = nil, want deletion failure")
		}

		// The entry is still on disk and still tracked; nothing pretended
		// the heal succeeded.
		if _, serr := os.Stat(dest); serr != nil {
			t.Errorf("destination unexpectedly gone: %v", serr)
		}
		if _, ok := loadLedger(t, root).Get(dest); !ok {
			t.Error("ledger record dropped despite failed deletion")
		}
	})

	t.Run("propagates checkout failure on a fresh destination", func(t *testing.T) {
		m, client, root := newTestManager(t)
		client.failCheckout = true

		err := m.Update(ctx, "trunk")
		if err == nil {
			t.Fatal("Update() error = nil, want checkout failure")
		}
		if !strings.Contains(err.Error(), "checkout failed") {
			t.Errorf("error = %q, want checkout context", err)
		}

		if loadLedger(t, root).Len() != 0 {
			t.Error("ledger gained a record for a failed checkout")
		}
	})

	t.Run("rejects invalid relative paths", func(t *testing.T) {
		m, _, _ := newTestManager(t)

		for _, relPath := range []string{"", "/abs", "../escape", "a/../../b", ".", "tags", "branches"} {
			if err := m.Update(ctx, relPath); err == nil {
				t.Errorf("Update(%q) error = nil, want rejection", relPath)
			}
		}
	})

	t.Run("persists the ledger before releasing the gate", func(t *testing.T) {
		m, _, root := newTestManager(t)

		var sawRecord bool
		m.gate = &callbackGate{onRelease: func() {
			led := loadLedger(t, root)
			_, sawRecord = led.Get(filepath.Join(root, "trunk"))
		}}

		if err := m.Update(ctx, "trunk"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !sawRecord {
			t.Error("ledger was not persisted before the gate was released")
		}
	})
}

// callbackGate is a pass-through gate that observes release.
type callbackGate struct {
	onRelease func()
}

func (g *callbackGate) Acquire() (func(), error) {
	return g.onRelease, nil
}

func TestExport(t *testing.T) {
	ctx := context.Background()

	t.Run("materializes a pinned snapshot", func(t *testing.T) {
		m, client, root := newTestManager(t)

		if err := m.Export(ctx, "docs", "4212"); err != nil {
			t.Fatalf("Export() error = %v", err)
		}

		dest := filepath.Join(root, "docs_4212")
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("destination missing: %v", err)
		}
		if client.exportCalls != 1 {
			t.Errorf("exportCalls = %v, want 1", client.exportCalls)
		}
		if _, ok := loadLedger(t, root).Get(dest); !ok {
			t.Error("ledger missing record for export")
		}
	})

	t.Run("treats an existing snapshot as an immutable cache hit", func(t *testing.T) {
		m, client, root := newTestManager(t)
		dest := filepath.Join(root, "docs_4212")

		if err := m.Export(ctx, "docs", "4212"); err != nil {
			t.Fatalf("first Export() error = %v", err)
		}
		first, _ := loadLedger(t, root).Get(dest)

		time.Sleep(10 * time.Millisecond)

		if err := m.Export(ctx, "docs", "4212"); err != nil {
			t.Fatalf("second Export() error = %v", err)
		}

		if client.exportCalls != 1 {
			t.Errorf("exportCalls = %v, want 1 (snapshot must not be re-fetched)", client.exportCalls)
		}
		second, _ := loadLedger(t, root).Get(dest)
		if !second.LastAccess.After(first.LastAccess) {
			t.Errorf("access time was not refreshed on cache hit")
		}
	})

	t.Run("distinct revisions are distinct entries", func(t *testing.T) {
		m, client, root := newTestManager(t)

		if err := m.Export(ctx, "docs", "4212"); err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		if err := m.Export(ctx, "docs", "4213"); err != nil {
			t.Fatalf("Export() error = %v", err)
		}

		if client.exportCalls != 2 {
			t.Errorf("exportCalls = %v, want 2", client.exportCalls)
		}
		if led := loadLedger(t, root); led.Len() != 2 {
			t.Errorf("ledger has %v records, want 2", led.Len())
		}
	})

	t.Run("propagates failure without self-heal", func(t *testing.T) {
		m, client, root := newTestManager(t)
		client.failExport = true
		client.partialExport = true

		err := m.Export(ctx, "docs", "4212")
		if err == nil {
			t.Fatal("Export() error = nil, want export failure")
		}

		// The half-written snapshot is deliberately left for the operator.
		dest := filepath.Join(root, "docs_4212")
		if _, serr := os.Stat(dest); serr != nil {
			t.Errorf("partial destination was removed: %v", serr)
		}
		if _, ok := loadLedger(t, root).Get(dest); ok {
			t.Error("ledger gained a record for a failed export")
		}
	})

	t.Run("rejects invalid revisions", func(t *testing.T) {
		m, _, _ := newTestManager(t)

		for _, revision := range []string{"", "a/b", `a\b`} {
			if err := m.Export(ctx, "docs", revision); err == nil {
				t.Errorf("Export(%q) error = nil, want rejection", revision)
			}
		}
	})
}

func TestClean(t *testing.T) {
	day := 24 * time.Hour

	t.Run("evicts entries idle beyond the TTL and keeps fresh ones", func(t *testing.T) {
		m, _, root := newTestManager(t)

		old := filepath.Join(root, "branches", "old")
		fresh := filepath.Join(root, "branches", "fresh")
		mustMkdirAll(t, old, fresh)

		// TTL is 7 days: one record just past it, one just inside it.
		seedLedger(t, root, map[string]time.Time{
			old:   time.Now().Add(-8 * day),
			fresh: time.Now().Add(-6 * day),
		})

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if _, err := os.Stat(old); !os.IsNotExist(err) {
			t.Error("idle entry survived the sweep")
		}
		if _, err := os.Stat(fresh); err != nil {
			t.Errorf("fresh entry was evicted: %v", err)
		}

		led := loadLedger(t, root)
		if _, ok := led.Get(old); ok {
			t.Error("ledger record survived eviction")
		}
		if _, ok := led.Get(fresh); !ok {
			t.Error("ledger record for fresh entry was dropped")
		}
	})

	t.Run("applies the mainline TTL to the export root", func(t *testing.T) {
		m, _, root := newTestManager(t)

		trunk := filepath.Join(root, "trunk")
		mustMkdirAll(t, trunk)
		seedLedger(t, root, map[string]time.Time{
			trunk: time.Now().Add(-8 * day),
		})

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if _, err := os.Stat(trunk); !os.IsNotExist(err) {
			t.Error("idle mainline entry survived the sweep")
		}
		if loadLedger(t, root).Len() != 0 {
			t.Error("ledger is not empty after the sweep")
		}
	})

	t.Run("evicts untracked directories unconditionally", func(t *testing.T) {
		m, _, root := newTestManager(t)

		stray := filepath.Join(root, "stray")
		strayBranch := filepath.Join(root, "branches", "stray")
		mustMkdirAll(t, stray, strayBranch)

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if _, err := os.Stat(stray); !os.IsNotExist(err) {
			t.Error("untracked mainline directory survived")
		}
		if _, err := os.Stat(strayBranch); !os.IsNotExist(err) {
			t.Error("untracked branch directory survived")
		}
	})

	t.Run("never evicts the tags and branches containers", func(t *testing.T) {
		m, _, root := newTestManager(t)

		kept := filepath.Join(root, "tags", "v1")
		mustMkdirAll(t, kept)
		seedLedger(t, root, map[string]time.Time{
			kept: time.Now(),
		})

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "tags")); err != nil {
			t.Errorf("tags container was evicted: %v", err)
		}
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("fresh tag entry was evicted: %v", err)
		}
	})

	t.Run("reconciles records whose directories are gone", func(t *testing.T) {
		m, _, root := newTestManager(t)

		seedLedger(t, root, map[string]time.Time{
			filepath.Join(root, "vanished"): time.Now(),
		})

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if loadLedger(t, root).Len() != 0 {
			t.Error("ledger still references a nonexistent path")
		}
	})

	t.Run("collects deletion failures and still commits progress", func(t *testing.T) {
		m, _, root := newTestManager(t)

		stuck := filepath.Join(root, "stuck")
		gone := filepath.Join(root, "gone")
		mustMkdirAll(t, stuck, gone)

		realRemove := m.removeAll
		m.removeAll = func(path string) error {
			if path == stuck {
				return stderrors.New("file locked by another process")
			}
			return realRemove(path)
		}

		err := m.Clean()
		if err == nil {
			t.Fatal("Clean() error = nil, want aggregated failure")
		}

		// The sweep continued past the failure.
		if _, serr := os.Stat(gone); !os.IsNotExist(serr) {
			t.Error("sweep aborted instead of continuing past the failure")
		}
		if _, serr := os.Stat(stuck); serr != nil {
			t.Errorf("stuck directory unexpectedly gone: %v", serr)
		}

		// The ledger was persisted despite the aggregate failure.
		loadLedger(t, root)
	})

	t.Run("ttl example: ten day old branch under a seven day ttl", func(t *testing.T) {
		m, _, root := newTestManager(t)

		b := filepath.Join(root, "branches", "b")
		mustMkdirAll(t, b)
		seedLedger(t, root, map[string]time.Time{
			b: time.Now().Add(-10 * day),
		})

		if err := m.Clean(); err != nil {
			t.Fatalf("Clean() error = %v", err)
		}

		if _, err := os.Stat(b); !os.IsNotExist(err) {
			t.Error("directory survived")
		}
		if loadLedger(t, root).Len() != 0 {
			t.Error("ledger is not empty")
		}
	})
}

func TestRelativeExportRoot(t *testing.T) {
	// A relative root must resolve against the working directory for every
	// component, ledger included, so directory work and ledger I/O agree on
	// where the cache lives.
	t.Chdir(t.TempDir())

	m, err := New(&config.Config{
		RepositoryURL:       "https://vcs.example.com/repo",
		ExportRoot:          "cache",
		MainlineTTLDays:     7,
		TagsBranchesTTLDays: 7,
	}, WithClient(&fakeClient{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := m.Update(context.Background(), "trunk"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	root := filepath.Join(wd, "cache")

	if _, err := os.Stat(filepath.Join(root, "trunk")); err != nil {
		t.Errorf("destination missing under working directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ledger.json")); err != nil {
		t.Fatalf("ledger missing under working directory: %v", err)
	}

	led := loadLedger(t, root)
	if _, ok := led.Get(filepath.Join(root, "trunk")); !ok {
		t.Error("ledger record does not key the absolute destination")
	}
}

func TestRemove(t *testing.T) {
	m, _, root := newTestManager(t)
	ctx := context.Background()

	if err := m.Update(ctx, "trunk"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := m.Remove("trunk"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "trunk")); !os.IsNotExist(err) {
		t.Error("destination survived Remove()")
	}
	if loadLedger(t, root).Len() != 0 {
		t.Error("ledger record survived Remove()")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m, client, root := newTestManager(t)
	ctx := context.Background()

	const callers = 5

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Update(ctx, "trunk"); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one checkout; every later caller saw the existing copy.
	if client.checkoutCalls != 1 {
		t.Errorf("checkoutCalls = %v, want 1", client.checkoutCalls)
	}
	if client.updateCalls != callers-1 {
		t.Errorf("updateCalls = %v, want %v", client.updateCalls, callers-1)
	}

	led := loadLedger(t, root)
	if led.Len() != 1 {
		t.Errorf("ledger has %v records, want 1", led.Len())
	}
}

func TestStats(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Update(ctx, "trunk"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := m.Export(ctx, "docs", "4212"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.Tracked != 2 {
		t.Errorf("Tracked = %v, want 2", stats.Tracked)
	}
	if stats.Directories != 2 {
		t.Errorf("Directories = %v, want 2", stats.Directories)
	}
	if stats.TotalSize == 0 {
		t.Error("TotalSize = 0, want > 0")
	}
	if stats.OldestAccess == nil || stats.NewestAccess == nil {
		t.Fatal("access bounds are nil")
	}
}

func mustMkdirAll(t *testing.T, paths ...string) {
	t.Helper()

	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("MkdirAll(%s) error = %v", p, err)
		}
	}
}
