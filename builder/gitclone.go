package builder

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitCloner checks out sources with go-git instead of the git CLI, which
// lets private repositories use the project's access token.
type GitCloner struct{}

// NewGitCloner creates a new GitCloner
func NewGitCloner() *GitCloner {
	return &GitCloner{}
}

// Clone checks src out into dir. Progress lines go to output.
func (c *GitCloner) Clone(ctx context.Context, dir string, src Source, token string, output func([]string)) error {
	w := newLineWriter(output)
	defer w.Flush()

	opts := &git.CloneOptions{
		URL:      src.URL,
		Progress: w,
	}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}
	if token != "" {
		// any non-empty username works for token auth
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	w.Flush()
	if err != nil {
		return fmt.Errorf("clone %s: %w", src.URL, err)
	}
	if src.CommitSHA == "" {
		return nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(src.CommitSHA)}); err != nil {
		return fmt.Errorf("checkout %s: %w", src.CommitSHA, err)
	}
	output([]string{"HEAD is now at " + src.CommitSHA})
	return nil
}
