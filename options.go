package wccache

import (
	"github.com/go-git/go-billy/v5"

	"github.com/wccache/wccache/vcs"
)

// Gate serializes mutating cache operations across all callers on the host.
// It is implemented by hostlock.Lock.
type Gate interface {
	// Acquire blocks until the gate is free and returns a release function
	// that must be called exactly once.
	Acquire() (release func(), err error)
}

// Option configures Manager creation.
type Option func(*Manager)

// WithClient replaces the default go-git backed VCS client. Used to plug in
// other version-control backends and to fake the client in tests.
func WithClient(client vcs.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithGate replaces the default host-wide file lock.
func WithGate(gate Gate) Option {
	return func(m *Manager) {
		m.gate = gate
	}
}

// WithFilesystem sets the billy filesystem used for ledger I/O. Defaults to
// the local filesystem; primarily useful for testing with memfs.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}
