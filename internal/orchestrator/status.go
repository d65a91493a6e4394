package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"revflow/internal/model"
)

// Status renders a human-readable session report: phase, range, checkpoint,
// comment ledger, and verdicts.
func (s *Service) Status(ctx context.Context, sessionID string) (string, error) {
	_ = ctx
	session, _, err := s.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	checkpoint, err := s.store.GetCheckpoint(sessionID)
	if err != nil {
		return "", err
	}
	comments, err := s.store.ListComments(sessionID)
	if err != nil {
		return "", err
	}
	verdicts, err := s.store.ListVerdicts(sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", session.SessionID)
	fmt.Fprintf(&b, "  Branch:    %s (base %s)\n", session.Branch, session.BaseRef)
	fmt.Fprintf(&b, "  Range:     %s..%s\n", session.BaseSHA, session.HeadSHA)
	fmt.Fprintf(&b, "  Phase:     %s (iteration %d)\n", session.Phase, session.Iteration)
	if checkpoint != nil {
		fmt.Fprintf(&b, "  Checkpoint: step %s, iteration %d, at %s\n",
			checkpoint.LastCompletedStep, checkpoint.Iteration, checkpoint.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if strings.TrimSpace(session.ErrorText) != "" {
		fmt.Fprintf(&b, "  Error:     %s\n", session.ErrorText)
	}

	counts := map[model.Classification]int{}
	for _, comment := range comments {
		counts[comment.Classification]++
	}
	fmt.Fprintf(&b, "  Comments:  %d total", len(comments))
	for _, classification := range []model.Classification{
		model.ClassificationUnclassified,
		model.ClassificationFixed,
		model.ClassificationStale,
		model.ClassificationDisputed,
		model.ClassificationConfirmed,
		model.ClassificationDismissed,
		model.ClassificationResolved,
	} {
		if counts[classification] > 0 {
			fmt.Fprintf(&b, ", %d %s", counts[classification], classification)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Verdicts:  %d\n", len(verdicts))
	for _, verdict := range verdicts {
		fmt.Fprintf(&b, "    %s: %s (%s, %d round(s))\n", verdict.CommentID, verdict.Outcome, verdict.Confidence, verdict.Rounds)
	}
	return b.String(), nil
}

func (s *Service) Sessions(limit int) ([]model.ReviewSession, error) {
	return s.store.ListSessions(limit)
}

func (s *Service) Comments(sessionID string) ([]model.Comment, error) {
	return s.store.ListComments(sessionID)
}

func (s *Service) Verdicts(sessionID string) ([]model.Verdict, error) {
	return s.store.ListVerdicts(sessionID)
}

func (s *Service) Events(sessionID string, limit int) ([]model.Event, error) {
	return s.store.ListEvents(sessionID, limit)
}
