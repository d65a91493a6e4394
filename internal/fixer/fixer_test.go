package fixer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"revflow/internal/model"
)

type fakeApplier struct {
	paths map[string][]string
	fail  map[string]bool
	order []string
}

func (a *fakeApplier) Apply(_ context.Context, comment model.Comment) ([]string, error) {
	a.order = append(a.order, comment.ID)
	if a.fail[comment.ID] {
		return nil, fmt.Errorf("cannot fix %s", comment.ID)
	}
	return a.paths[comment.ID], nil
}

func TestBatchAppliesSeriallyAndDeduplicatesPaths(t *testing.T) {
	applier := &fakeApplier{paths: map[string][]string{
		"c1": {"internal/store/sqlite.go"},
		"c2": {"internal/store/sqlite.go", "internal/model/types.go"},
	}}
	comments := []model.Comment{{ID: "c1"}, {ID: "c2"}}

	result, err := Batch(context.Background(), applier, comments)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if got := strings.Join(applier.order, ","); got != "c1,c2" {
		t.Errorf("expected serial order c1,c2, got %s", got)
	}
	if len(result.ChangedPaths) != 2 {
		t.Errorf("expected 2 distinct paths, got %v", result.ChangedPaths)
	}
	if len(result.Resolved) != 2 {
		t.Errorf("expected 2 resolved comments, got %d", len(result.Resolved))
	}
}

func TestBatchStopsOnFirstFailure(t *testing.T) {
	applier := &fakeApplier{
		paths: map[string][]string{"c1": {"a.go"}},
		fail:  map[string]bool{"c2": true},
	}
	comments := []model.Comment{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}

	result, err := Batch(context.Background(), applier, comments)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if len(result.Resolved) != 1 {
		t.Errorf("expected 1 resolved comment before the failure, got %d", len(result.Resolved))
	}
	if len(applier.order) != 2 {
		t.Errorf("batch must stop at the failing comment, saw calls %v", applier.order)
	}
}

func TestDefaultMessageListsFiles(t *testing.T) {
	message := DefaultMessage(3, []model.Comment{
		{ID: "c1", FilePath: "a.go"},
		{ID: "c2", FilePath: "b.go"},
		{ID: "c3", FilePath: "a.go"},
	})
	if !strings.Contains(message, "3 review comment(s)") {
		t.Errorf("message should count the batch: %q", message)
	}
	if !strings.Contains(message, "iteration 3") {
		t.Errorf("message should carry the iteration: %q", message)
	}
	if !strings.Contains(message, "a.go, b.go") {
		t.Errorf("message should list distinct files once: %q", message)
	}
}
