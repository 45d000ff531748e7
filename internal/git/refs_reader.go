package git

import (
	"strings"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/vcslog/internal/logdata"
)

// listRefs returns HEAD, local and remote branches and tags of repo. Tags are
// peeled to the commit they name.
func listRefs(repo *gitlib.Repository, root logdata.Root) ([]logdata.Ref, error) {
	var out []logdata.Ref
	headRef, err := repo.Head()
	if err == nil && headRef != nil && headRef.Hash() != plumbing.ZeroHash {
		out = append(out, logdata.Ref{
			Name: "HEAD",
			Kind: logdata.RefKindHead,
			Root: root,
			Hash: headRef.Hash().String(),
		})
	} else if err != nil && err != plumbing.ErrReferenceNotFound {
		return nil, err
	}

	refs, err := repo.References()
	if err != nil {
		return nil, err
	}
	defer refs.Close()
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		short := name.Short()
		hash := ref.Hash()
		var kind logdata.RefKind
		switch {
		case name.IsBranch():
			kind = logdata.RefKindBranch
		case name.IsRemote():
			if strings.HasSuffix(short, "/HEAD") {
				return nil
			}
			kind = logdata.RefKindRemoteBranch
		case name.IsTag():
			kind = logdata.RefKindTag
			peeled, ok := peelTagCommitHash(repo, hash)
			if !ok {
				return nil
			}
			hash = peeled
		default:
			return nil
		}
		out = append(out, logdata.Ref{Name: short, Kind: kind, Root: root, Hash: hash.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func peelTagCommitHash(repo *gitlib.Repository, hash plumbing.Hash) (plumbing.Hash, bool) {
	if repo == nil || hash == plumbing.ZeroHash {
		return plumbing.ZeroHash, false
	}
	// Lightweight tags point directly at a commit; annotated tags point at a tag object.
	if _, err := repo.CommitObject(hash); err == nil {
		return hash, true
	}
	cur := hash
	for range 8 {
		tag, err := repo.TagObject(cur)
		if err != nil {
			return plumbing.ZeroHash, false
		}
		switch tag.TargetType {
		case plumbing.CommitObject:
			return tag.Target, true
		case plumbing.TagObject:
			cur = tag.Target
		default:
			return plumbing.ZeroHash, false
		}
	}
	return plumbing.ZeroHash, false
}
