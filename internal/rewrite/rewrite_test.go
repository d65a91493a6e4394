package rewrite

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeVCS struct {
	commitCount int
	refs        map[string]string
	head        string
	resets      []string
	commits     []string
	pushed      int
	failCommit  bool
	failPush    bool
}

func newFakeVCS(head string, commitCount int) *fakeVCS {
	return &fakeVCS{head: head, commitCount: commitCount, refs: map[string]string{}}
}

func (v *fakeVCS) RevParse(_ context.Context, ref string) (string, error) {
	if ref == "HEAD" {
		return v.head, nil
	}
	if sha, ok := v.refs[ref]; ok {
		return sha, nil
	}
	return ref, nil
}

func (v *fakeVCS) CommitCount(_ context.Context, _ string, _ string) (int, error) {
	return v.commitCount, nil
}

func (v *fakeVCS) CreateRef(_ context.Context, name string, target string) error {
	v.refs[name] = target
	return nil
}

func (v *fakeVCS) DeleteRef(_ context.Context, name string) error {
	delete(v.refs, name)
	return nil
}

func (v *fakeVCS) RefExists(_ context.Context, name string) (bool, error) {
	_, ok := v.refs[name]
	return ok, nil
}

func (v *fakeVCS) ResetSoft(_ context.Context, ref string) error {
	if sha, ok := v.refs[ref]; ok {
		ref = sha
	}
	v.resets = append(v.resets, ref)
	v.head = ref
	return nil
}

func (v *fakeVCS) Add(_ context.Context, _ []string) error { return nil }

func (v *fakeVCS) Commit(_ context.Context, message string, _ []string) error {
	if v.failCommit {
		return fmt.Errorf("nothing to commit")
	}
	v.commits = append(v.commits, message)
	v.head = fmt.Sprintf("rewritten-%d", len(v.commits))
	return nil
}

func (v *fakeVCS) ForcePush(_ context.Context, _ string) error {
	if v.failPush {
		return fmt.Errorf("remote rejected force push")
	}
	v.pushed++
	return nil
}

func TestBuildPlanGroupsByTopLevelDir(t *testing.T) {
	plan := BuildPlan("rs-1", []string{
		"internal/store/sqlite.go",
		"cmd/revflow/main.go",
		"internal/model/types.go",
		"README.md",
	})
	if plan.BackupRef != "refs/revflow/backup/rs-1" {
		t.Errorf("unexpected backup ref %s", plan.BackupRef)
	}
	if len(plan.Groups) != 3 {
		t.Fatalf("expected 3 groups, got %d: %+v", len(plan.Groups), plan.Groups)
	}
	if plan.Groups[0].Label != "cmd" || plan.Groups[1].Label != "internal" || plan.Groups[2].Label != "root" {
		t.Errorf("unexpected group order: %+v", plan.Groups)
	}
	if len(plan.Groups[1].Paths) != 2 {
		t.Errorf("expected 2 internal paths, got %v", plan.Groups[1].Paths)
	}
}

func TestShouldRewriteUsesThreshold(t *testing.T) {
	rewriter := &Rewriter{VCS: newFakeVCS("head", 3), SquashThreshold: 3}
	ok, err := rewriter.ShouldRewrite(context.Background(), "base", "head")
	if err != nil {
		t.Fatalf("ShouldRewrite: %v", err)
	}
	if ok {
		t.Errorf("3 commits at threshold 3 must not rewrite")
	}

	rewriter.VCS = newFakeVCS("head", 4)
	ok, err = rewriter.ShouldRewrite(context.Background(), "base", "head")
	if err != nil {
		t.Fatalf("ShouldRewrite: %v", err)
	}
	if !ok {
		t.Errorf("4 commits at threshold 3 must rewrite")
	}
}

func TestExecuteRewritesAndPushes(t *testing.T) {
	vcs := newFakeVCS("head-sha", 5)
	rewriter := &Rewriter{VCS: vcs, SquashThreshold: 3}
	plan := BuildPlan("rs-1", []string{"internal/a.go", "cmd/b.go"})

	if err := rewriter.Execute(context.Background(), "rs-1", "feature", "base-sha", "head-sha", plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if vcs.refs[plan.BackupRef] != "head-sha" {
		t.Errorf("backup ref should point at pre-rewrite head")
	}
	if len(vcs.resets) != 1 || vcs.resets[0] != "base-sha" {
		t.Errorf("expected a single reset to merge base, got %v", vcs.resets)
	}
	if len(vcs.commits) != 2 {
		t.Errorf("expected one commit per group, got %v", vcs.commits)
	}
	if vcs.pushed != 1 {
		t.Errorf("expected a single force push, got %d", vcs.pushed)
	}
}

func TestExecuteEmptyPlanIsIntegrityError(t *testing.T) {
	vcs := newFakeVCS("head-sha", 5)
	rewriter := &Rewriter{VCS: vcs}

	err := rewriter.Execute(context.Background(), "rs-1", "feature", "base", "head-sha", BuildPlan("rs-1", nil))
	var integrity *RewriteIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected RewriteIntegrityError, got %v", err)
	}
	if len(vcs.resets) != 0 {
		t.Errorf("empty plan must not touch the branch, got resets %v", vcs.resets)
	}
}

func TestExecuteRestoresBackupOnCommitFailure(t *testing.T) {
	vcs := newFakeVCS("head-sha", 5)
	vcs.failCommit = true
	rewriter := &Rewriter{VCS: vcs}
	plan := BuildPlan("rs-1", []string{"internal/a.go"})

	err := rewriter.Execute(context.Background(), "rs-1", "feature", "base-sha", "head-sha", plan)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if vcs.head != "head-sha" {
		t.Errorf("branch must be restored to the backup head, got %s", vcs.head)
	}
	if vcs.pushed != 0 {
		t.Errorf("failed rewrite must never be pushed")
	}
}

func TestExecuteRestoresBackupOnPushFailure(t *testing.T) {
	vcs := newFakeVCS("head-sha", 5)
	vcs.failPush = true
	rewriter := &Rewriter{VCS: vcs}
	plan := BuildPlan("rs-1", []string{"internal/a.go"})

	err := rewriter.Execute(context.Background(), "rs-1", "feature", "base-sha", "head-sha", plan)
	if err == nil {
		t.Fatalf("expected push failure")
	}
	if vcs.head != "head-sha" {
		t.Errorf("branch must be restored after a failed publish, got %s", vcs.head)
	}
}

func TestCleanupDeletesBackupRef(t *testing.T) {
	vcs := newFakeVCS("head-sha", 5)
	rewriter := &Rewriter{VCS: vcs}
	plan := BuildPlan("rs-1", []string{"internal/a.go"})

	if err := rewriter.Execute(context.Background(), "rs-1", "feature", "base", "head-sha", plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := rewriter.Cleanup(context.Background(), plan); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, ok := vcs.refs[plan.BackupRef]; ok {
		t.Errorf("backup ref should be deleted")
	}
}
