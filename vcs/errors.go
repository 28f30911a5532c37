package vcs

import (
	stderrors "errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/jmgilman/go/errors"
)

// classify maps a go-git error onto a platform error code and wraps it with
// context. Unknown errors are carried through as CodeExecutionFailed so the
// original information survives in the chain.
func classify(err error, context string) error {
	if err == nil {
		return nil
	}

	code := errors.CodeExecutionFailed
	switch {
	case stderrors.Is(err, transport.ErrRepositoryNotFound),
		stderrors.Is(err, gogit.ErrRepositoryNotExists),
		stderrors.Is(err, plumbing.ErrReferenceNotFound):
		code = errors.CodeNotFound
	case stderrors.Is(err, transport.ErrAuthenticationRequired),
		stderrors.Is(err, transport.ErrAuthorizationFailed):
		code = errors.CodeUnauthorized
	case stderrors.Is(err, transport.ErrEmptyRemoteRepository):
		code = errors.CodeNotFound
	}

	return errors.Wrap(err, code, context)
}
