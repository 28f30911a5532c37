package vcs

import (
	"context"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/jmgilman/go/errors"
)

// GitClient implements Client on top of go-git. All work happens in-process;
// no git binary is required on the host.
type GitClient struct {
	auth        transport.AuthMethod
	insecureTLS bool
}

// GitOption configures GitClient creation.
type GitOption func(*GitClient)

// WithBasicAuth sets HTTP basic authentication. Empty credentials leave the
// client anonymous, which is what public repositories expect.
func WithBasicAuth(username, password string) GitOption {
	return func(c *GitClient) {
		if username == "" && password == "" {
			return
		}
		c.auth = &http.BasicAuth{
			Username: username,
			Password: password,
		}
	}
}

// WithInsecureTLS disables server certificate verification. Trust decisions
// are this client's responsibility, so the escape hatch lives here and
// nowhere else.
func WithInsecureTLS() GitOption {
	return func(c *GitClient) {
		c.insecureTLS = true
	}
}

// NewGitClient creates a go-git backed Client.
func NewGitClient(opts ...GitOption) *GitClient {
	c := &GitClient{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout clones target into dest. Named branches and tags are cloned
// single-branch; an unspecified target clones the remote default branch.
// go-git removes directories it created when a clone fails, so a failed
// checkout leaves no destination behind.
func (c *GitClient) Checkout(ctx context.Context, target Target, dest string) error {
	opts := &gogit.CloneOptions{
		URL:             target.URL,
		Auth:            c.auth,
		InsecureSkipTLS: c.insecureTLS,
	}

	if ref, ok := referenceName(target); ok {
		opts.ReferenceName = ref
		opts.SingleBranch = true
	}

	if _, err := gogit.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return classify(err, "checkout failed")
	}

	return nil
}

// Update pulls the working copy at dest forward to match its remote.
func (c *GitClient) Update(ctx context.Context, dest string) error {
	repo, err := gogit.PlainOpen(dest)
	if err != nil {
		return classify(err, "not a valid working copy")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return classify(err, "failed to open working tree")
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		Auth:            c.auth,
		Force:           true,
		InsecureSkipTLS: c.insecureTLS,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return classify(err, "update failed")
	}

	return nil
}

// Export clones target into dest, checks out the requested revision, and
// strips the repository metadata so the result is a plain file tree. Any
// pre-existing dest is removed first (overwrite semantics).
func (c *GitClient) Export(ctx context.Context, target Target, revision, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to clear export destination %s", dest)
	}

	// Full clone: the revision may live on any branch or tag.
	repo, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL:             target.URL,
		Auth:            c.auth,
		InsecureSkipTLS: c.insecureTLS,
	})
	if err != nil {
		return classify(err, "export clone failed")
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return classify(err, "failed to resolve revision "+revision)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return classify(err, "failed to open working tree")
	}

	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return classify(err, "failed to check out revision "+revision)
	}

	if err := os.RemoveAll(filepath.Join(dest, gogit.GitDirName)); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to strip repository metadata from %s", dest)
	}

	return nil
}

// referenceName maps a Target to the go-git reference to clone.
func referenceName(target Target) (plumbing.ReferenceName, bool) {
	switch {
	case target.Tag != "":
		return plumbing.NewTagReferenceName(target.Tag), true
	case target.Branch != "":
		return plumbing.NewBranchReferenceName(target.Branch), true
	default:
		return "", false
	}
}
