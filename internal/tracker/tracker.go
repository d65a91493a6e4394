package tracker

import (
	"context"
	"fmt"
	"strings"
)

// VCS is the read-only slice of the version-control boundary the tracker
// needs. gitops.Git satisfies it.
type VCS interface {
	RevParse(ctx context.Context, ref string) (string, error)
	MergeBase(ctx context.Context, baseRef string, headRef string) (string, error)
	DiffNameOnly(ctx context.Context, baseSHA string, headSHA string) ([]string, error)
}

type Range struct {
	BaseSHA      string
	HeadSHA      string
	ChangedPaths []string
}

type NoChangesError struct {
	Branch string
	SHA    string
}

func (e *NoChangesError) Error() string {
	return fmt.Sprintf("branch %s has no changes against its base (both at %s)", e.Branch, e.SHA)
}

type Tracker struct {
	vcs VCS
}

func New(vcs VCS) *Tracker {
	return &Tracker{vcs: vcs}
}

// Resolve computes the commit range under review. It is read-only and is
// recomputed at the top of every iteration so later steps never operate on a
// stale snapshot.
func (t *Tracker) Resolve(ctx context.Context, branch string, baseRef string) (Range, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return Range{}, fmt.Errorf("branch is required")
	}
	baseRef = strings.TrimSpace(baseRef)
	if baseRef == "" {
		return Range{}, fmt.Errorf("base ref is required")
	}

	headSHA, err := t.vcs.RevParse(ctx, branch)
	if err != nil {
		return Range{}, err
	}
	baseSHA, err := t.vcs.MergeBase(ctx, baseRef, branch)
	if err != nil {
		return Range{}, err
	}
	if headSHA == baseSHA {
		return Range{}, &NoChangesError{Branch: branch, SHA: headSHA}
	}

	changedPaths, err := t.vcs.DiffNameOnly(ctx, baseSHA, headSHA)
	if err != nil {
		return Range{}, err
	}
	return Range{
		BaseSHA:      baseSHA,
		HeadSHA:      headSHA,
		ChangedPaths: changedPaths,
	}, nil
}
