package tracker

import (
	"context"
	"errors"
	"testing"
)

type fakeVCS struct {
	head    string
	base    string
	changed []string
	err     error
}

func (f *fakeVCS) RevParse(ctx context.Context, ref string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.head, nil
}

func (f *fakeVCS) MergeBase(ctx context.Context, baseRef string, headRef string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.base, nil
}

func (f *fakeVCS) DiffNameOnly(ctx context.Context, baseSHA string, headSHA string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.changed, nil
}

func TestResolveReturnsRange(t *testing.T) {
	vcs := &fakeVCS{head: "abc123", base: "def456", changed: []string{"internal/a.go", "internal/b.go"}}
	result, err := New(vcs).Resolve(t.Context(), "feature/review", "main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.BaseSHA != "def456" || result.HeadSHA != "abc123" {
		t.Fatalf("unexpected range %s..%s", result.BaseSHA, result.HeadSHA)
	}
	if len(result.ChangedPaths) != 2 {
		t.Fatalf("expected 2 changed paths, got %d", len(result.ChangedPaths))
	}
}

func TestResolveNoChanges(t *testing.T) {
	vcs := &fakeVCS{head: "abc123", base: "abc123"}
	_, err := New(vcs).Resolve(t.Context(), "feature/review", "main")
	var noChanges *NoChangesError
	if !errors.As(err, &noChanges) {
		t.Fatalf("expected NoChangesError, got %v", err)
	}
	if noChanges.SHA != "abc123" {
		t.Fatalf("expected error to carry the shared sha, got %q", noChanges.SHA)
	}
}

func TestResolveRequiresBranch(t *testing.T) {
	if _, err := New(&fakeVCS{}).Resolve(t.Context(), " ", "main"); err == nil {
		t.Fatalf("expected empty branch to be rejected")
	}
}
