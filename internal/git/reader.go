// Package git reads the commits and refs of git roots through go-git.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/thiagokokada/vcslog/internal/logdata"
)

// DefaultMaxCommits bounds how much history is read per root.
const DefaultMaxCommits = 100_000

// ctxCheckInterval is how many commits are read between cancellation checks.
const ctxCheckInterval = 256

// Reader reads commits and refs of git roots through go-git object APIs.
type Reader struct {
	maxCommits int

	mu    sync.Mutex
	repos map[logdata.Root]*gitlib.Repository
}

func NewReader(maxCommits int) *Reader {
	if maxCommits <= 0 {
		maxCommits = DefaultMaxCommits
	}
	return &Reader{maxCommits: maxCommits, repos: map[logdata.Root]*gitlib.Repository{}}
}

// Attach serves root from an already opened repository.
func (r *Reader) Attach(root logdata.Root, repo *gitlib.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[root] = repo
}

func (r *Reader) repo(root logdata.Root) (*gitlib.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[root]; ok {
		return repo, nil
	}
	repo, err := gitlib.PlainOpenWithOptions(string(root), &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", root, err)
	}
	r.repos[root] = repo
	return repo, nil
}

// Forget drops the cached handle of root so the next load reopens it.
func (r *Reader) Forget(root logdata.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.repos, root)
}

// LoadRoot reads every commit reachable from any ref of root, newest first.
func (r *Reader) LoadRoot(ctx context.Context, root logdata.Root) (logdata.RootLog, error) {
	out := logdata.RootLog{Root: root}
	repo, err := r.repo(root)
	if err != nil {
		return out, err
	}
	refs, err := listRefs(repo, root)
	if err != nil {
		return out, fmt.Errorf("list refs of %s: %w", root, err)
	}
	out.Refs = refs
	if len(refs) == 0 {
		slog.Debug("root has no refs", slog.String("root", string(root)))
		return out, nil
	}

	iter, err := repo.Log(&gitlib.LogOptions{All: true, Order: gitlib.LogOrderCommitterTime})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return out, nil
		}
		return out, fmt.Errorf("read commits of %s: %w", root, err)
	}
	defer iter.Close()

	for {
		if len(out.Commits)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		if len(out.Commits) >= r.maxCommits {
			out.Truncated = true
			break
		}
		commit, err := iter.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("iterate commits of %s: %w", root, err)
		}
		out.Commits = append(out.Commits, toCommit(root, commit))
	}
	slog.Debug("root loaded",
		slog.String("root", string(root)),
		slog.Int("commits", len(out.Commits)),
		slog.Int("refs", len(out.Refs)),
		slog.Bool("truncated", out.Truncated),
	)
	return out, nil
}

func toCommit(root logdata.Root, c *object.Commit) logdata.Commit {
	parents := make([]string, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[i] = p.String()
	}
	committer := c.Committer
	if committer.Name == "" && committer.Email == "" && committer.When.IsZero() {
		committer = c.Author
	}
	return logdata.Commit{
		ID:        logdata.CommitID{Root: root, Hash: c.Hash.String()},
		Parents:   parents,
		Author:    toSignature(c.Author),
		Committer: toSignature(committer),
		Message:   c.Message,
	}
}

func toSignature(s object.Signature) logdata.Signature {
	return logdata.Signature{Name: s.Name, Email: s.Email, When: s.When}
}
