package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"revflow/internal/model"
)

// History answers when the code a comment points at last changed. Backed by
// gitops in production; fakes in tests.
type History interface {
	LastModified(ctx context.Context, path string, startLine int, endLine int) (time.Time, error)
}

// AmbiguousClassificationError reports a comment whose referenced lines could
// not be mapped to the current history (file deleted, range rewritten away).
// The classifier treats these as resolved; the error exists for the audit log.
type AmbiguousClassificationError struct {
	CommentID string
	FilePath  string
	Reason    string
}

func (e *AmbiguousClassificationError) Error() string {
	return fmt.Sprintf("comment %s cannot be mapped to %s: %s", e.CommentID, e.FilePath, e.Reason)
}

type Outcome struct {
	Comment        model.Comment
	Classification model.Classification
	// Ambiguity is non-nil when the staleness mapping failed and the
	// tie-break rule applied. Logged, never fatal.
	Ambiguity *AmbiguousClassificationError
}

type Result struct {
	Fixed     []Outcome
	Disputed  []Outcome
	Confirmed []Outcome
	Stale     []Outcome
}

func (r Result) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(r.Fixed)+len(r.Disputed)+len(r.Confirmed)+len(r.Stale))
	out = append(out, r.Fixed...)
	out = append(out, r.Disputed...)
	out = append(out, r.Confirmed...)
	out = append(out, r.Stale...)
	return out
}

// Categorizer assigns the first-pass category to a comment: fixed when the
// described defect is already absent, disputed when its validity is
// contested, confirmed otherwise. Pluggable so the orchestrator can route
// through an agent command; the default keyword heuristic covers structured
// reviewer output that tags its own findings.
type Categorizer func(comment model.Comment) model.Classification

// DefaultCategorizer reads a category tag from the comment body or rationale.
// Untagged comments are confirmed: an unresolved finding must reach the fix
// loop rather than vanish.
func DefaultCategorizer(comment model.Comment) model.Classification {
	text := strings.ToLower(comment.Body + "\n" + comment.Rationale)
	switch {
	case strings.Contains(text, "[fixed]") || strings.Contains(text, "already fixed") || strings.Contains(text, "already resolved"):
		return model.ClassificationFixed
	case strings.Contains(text, "[disputed]") || strings.Contains(text, "disagree") || strings.Contains(text, "false positive") || strings.Contains(text, "intentional"):
		return model.ClassificationDisputed
	default:
		return model.ClassificationConfirmed
	}
}

// Classifier partitions incoming comments into fixed, disputed, confirmed,
// and stale. Category assignment runs first; disputed and confirmed
// candidates then pass through the staleness filter so that comments whose
// referenced lines changed after they were written never reach arbitration
// or the fix loop.
type Classifier struct {
	History    History
	Categorize Categorizer
}

func (c *Classifier) categorize(comment model.Comment) model.Classification {
	if c.Categorize != nil {
		return c.Categorize(comment)
	}
	return DefaultCategorizer(comment)
}

// Classify runs both passes over a batch of comments. The returned outcomes
// carry the final classification for each comment; persisting them is the
// caller's job.
func (c *Classifier) Classify(ctx context.Context, comments []model.Comment) (Result, error) {
	result := Result{}
	for _, comment := range comments {
		outcome := Outcome{Comment: comment}

		category := c.categorize(comment)
		if category == model.ClassificationFixed {
			outcome.Classification = model.ClassificationFixed
			result.Fixed = append(result.Fixed, outcome)
			continue
		}

		stale, ambiguity, err := c.isStale(ctx, comment)
		if err != nil {
			return result, err
		}
		if stale {
			outcome.Classification = model.ClassificationStale
			outcome.Ambiguity = ambiguity
			result.Stale = append(result.Stale, outcome)
			continue
		}

		outcome.Classification = category
		switch category {
		case model.ClassificationDisputed:
			result.Disputed = append(result.Disputed, outcome)
		default:
			outcome.Classification = model.ClassificationConfirmed
			result.Confirmed = append(result.Confirmed, outcome)
		}
	}
	return result, nil
}

// isStale compares the comment's creation time against the last modification
// of the lines it references. A range that cannot be mapped at all counts as
// stale under the tie-break rule: absence of the referenced code is proof of
// resolution, not of ambiguity.
func (c *Classifier) isStale(ctx context.Context, comment model.Comment) (bool, *AmbiguousClassificationError, error) {
	if ctx.Err() != nil {
		return false, nil, ctx.Err()
	}
	if strings.TrimSpace(comment.FilePath) == "" {
		return true, &AmbiguousClassificationError{
			CommentID: comment.ID,
			FilePath:  comment.FilePath,
			Reason:    "no file reference",
		}, nil
	}

	modified, err := c.History.LastModified(ctx, comment.FilePath, comment.StartLine, comment.EndLine)
	if err != nil {
		return true, &AmbiguousClassificationError{
			CommentID: comment.ID,
			FilePath:  comment.FilePath,
			Reason:    err.Error(),
		}, nil
	}
	return modified.After(comment.CreatedAt), nil, nil
}
