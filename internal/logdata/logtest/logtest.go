// Package logtest builds commit graphs for tests.
package logtest

import (
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/vcslog/internal/logdata"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Hash returns a deterministic full hash for seed.
func Hash(seed string) string {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(seed)).String()
}

// HashWithPrefix returns a deterministic full hash starting with prefix.
func HashWithPrefix(prefix, seed string) string {
	h := Hash(seed)
	return prefix + h[len(prefix):]
}

// Linear builds n commits on root, newest first, each the parent of the
// previous one. The i-th commit (0 = newest) is committed i minutes before
// base; seeds are "<root>-<i>".
func Linear(root logdata.Root, n int, base time.Time) []logdata.Commit {
	if base.IsZero() {
		base = epoch
	}
	commits := make([]logdata.Commit, n)
	for i := range n {
		commits[i] = Commit(root, Hash(string(root)+"-"+itoa(i)), base.Add(-time.Duration(i)*time.Minute))
		if i > 0 {
			commits[i-1].Parents = []string{commits[i].ID.Hash}
		}
	}
	return commits
}

// Commit builds a commit authored and committed at when.
func Commit(root logdata.Root, hash string, when time.Time, parents ...string) logdata.Commit {
	sig := logdata.Signature{Name: "Alice", Email: "alice@example.com", When: when}
	return logdata.Commit{
		ID:        logdata.CommitID{Root: root, Hash: hash},
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   "commit " + hash[:7],
	}
}

// Pack builds a complete DataPack.
func Pack(version uint64, roots []logdata.Root, commits []logdata.Commit, refs ...logdata.Ref) *logdata.DataPack {
	return logdata.NewDataPack(version, roots, commits, refs, logdata.PackComplete)
}

// Branch returns a local branch ref.
func Branch(root logdata.Root, name, hash string) logdata.Ref {
	return logdata.Ref{Name: name, Kind: logdata.RefKindBranch, Root: root, Hash: hash}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}
