// Package wccache maintains a disk-resident cache of working copies and
// pinned snapshots pulled from a remote version-controlled repository.
//
// # Overview
//
// Every cache entry is a directory under a configured export root. Working
// copies live at the path derived from their repository-relative path; pinned
// exports embed the revision in the directory name, making each exported
// revision a distinct, immutable entry:
//
//	<exportRoot>/
//	├── ledger.json              # access ledger (path → last access time)
//	├── .wccache.lock            # host-wide gate
//	├── trunk/                   # working copy, mainline TTL
//	├── docs_4212/               # pinned export of revision 4212
//	├── tags/
//	│   └── v1.0.0/              # tags/branches TTL
//	└── branches/
//	    └── dev/                 # tags/branches TTL
//
// A JSON ledger records the last access time of every entry. Clean evicts
// entries idle beyond their root's TTL and unconditionally removes untracked
// directories, then reconciles the ledger against the filesystem.
//
// # Concurrency
//
// All mutating operations (Update, Export, Clean, Remove) are serialized by a
// single host-wide gate: an advisory file lock shared by every process using
// the same export root. The gate is deliberately coarse; at most one mutation
// proceeds anywhere in the cache at a time, and each operation re-reads the
// ledger after acquiring the gate, so it observes exactly the outcome of the
// preceding operation. A holder that dies releases the gate automatically;
// recovery relies on operations being idempotent or self-healing.
//
// # Usage
//
//	cfg, err := config.Load("wccache.yaml")
//	if err != nil {
//	    return err
//	}
//
//	mgr, err := wccache.New(cfg)
//	if err != nil {
//	    return err
//	}
//
//	// Checkout-or-refresh a working copy.
//	err = mgr.Update(ctx, "branches/dev")
//
//	// Materialize an immutable snapshot of a revision.
//	err = mgr.Export(ctx, "docs", "4212")
//
//	// Evict idle and orphaned entries.
//	err = mgr.Clean()
package wccache
