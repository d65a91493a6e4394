package classify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"revflow/internal/model"
)

type fakeHistory struct {
	modified map[string]time.Time
	errors   map[string]error
}

func (h *fakeHistory) LastModified(_ context.Context, path string, _ int, _ int) (time.Time, error) {
	if err, ok := h.errors[path]; ok {
		return time.Time{}, err
	}
	if ts, ok := h.modified[path]; ok {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("no history for %s", path)
}

func comment(id, path, body string, createdAt time.Time) model.Comment {
	return model.Comment{
		ID:             id,
		FilePath:       path,
		StartLine:      5,
		EndLine:        9,
		Body:           body,
		Source:         model.CommentSourceExternal,
		Classification: model.ClassificationUnclassified,
		CreatedAt:      createdAt,
	}
}

func TestClassifyPartitionsByCategory(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := created.Add(-time.Hour)
	history := &fakeHistory{modified: map[string]time.Time{
		"a.go": older,
		"b.go": older,
		"c.go": older,
	}}
	classifier := &Classifier{History: history}

	result, err := classifier.Classify(context.Background(), []model.Comment{
		comment("c1", "a.go", "[fixed] handled in previous commit", created),
		comment("c2", "b.go", "[disputed] this lock order is intentional", created),
		comment("c3", "c.go", "missing nil check on response body", created),
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Fixed) != 1 || result.Fixed[0].Comment.ID != "c1" {
		t.Errorf("expected c1 fixed, got %+v", result.Fixed)
	}
	if len(result.Disputed) != 1 || result.Disputed[0].Comment.ID != "c2" {
		t.Errorf("expected c2 disputed, got %+v", result.Disputed)
	}
	if len(result.Confirmed) != 1 || result.Confirmed[0].Comment.ID != "c3" {
		t.Errorf("expected c3 confirmed, got %+v", result.Confirmed)
	}
	if len(result.Stale) != 0 {
		t.Errorf("expected no stale comments, got %d", len(result.Stale))
	}
}

func TestClassifyMarksStaleWhenLinesChangedAfterComment(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{modified: map[string]time.Time{
		"a.go": created.Add(time.Hour),
	}}
	classifier := &Classifier{History: history}

	result, err := classifier.Classify(context.Background(), []model.Comment{
		comment("c1", "a.go", "missing nil check", created),
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Stale) != 1 {
		t.Fatalf("expected 1 stale comment, got %d", len(result.Stale))
	}
	if result.Stale[0].Classification != model.ClassificationStale {
		t.Errorf("expected stale classification, got %s", result.Stale[0].Classification)
	}
	if result.Stale[0].Ambiguity != nil {
		t.Errorf("staleness by timestamp should not record an ambiguity")
	}
	if len(result.Confirmed) != 0 {
		t.Errorf("stale comment must not reach the confirmed set")
	}
}

func TestClassifyUnmappableRangeCountsAsResolved(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{errors: map[string]error{
		"deleted.go": fmt.Errorf("fatal: no such path deleted.go"),
	}}
	classifier := &Classifier{History: history}

	result, err := classifier.Classify(context.Background(), []model.Comment{
		comment("c1", "deleted.go", "dead code should be removed", created),
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Stale) != 1 {
		t.Fatalf("expected the unmappable comment to resolve as stale, got %+v", result)
	}
	outcome := result.Stale[0]
	if outcome.Ambiguity == nil {
		t.Fatalf("expected an ambiguity record for the audit trail")
	}
	if outcome.Ambiguity.CommentID != "c1" {
		t.Errorf("ambiguity names wrong comment: %s", outcome.Ambiguity.CommentID)
	}
}

func TestClassifyDisputedComparesAgainstHistory(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{modified: map[string]time.Time{
		"b.go": created.Add(time.Minute),
	}}
	classifier := &Classifier{History: history}

	result, err := classifier.Classify(context.Background(), []model.Comment{
		comment("c2", "b.go", "[disputed] intentional ordering", created),
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(result.Disputed) != 0 {
		t.Errorf("disputed comment on rewritten lines must not reach arbitration")
	}
	if len(result.Stale) != 1 {
		t.Errorf("expected stale, got %+v", result)
	}
}

func TestDefaultCategorizerDefaultsToConfirmed(t *testing.T) {
	c := model.Comment{Body: "this allocation escapes to the heap"}
	if got := DefaultCategorizer(c); got != model.ClassificationConfirmed {
		t.Errorf("expected confirmed, got %s", got)
	}
}
