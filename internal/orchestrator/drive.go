package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"revflow/internal/arbiter"
	"revflow/internal/classify"
	"revflow/internal/fixer"
	"revflow/internal/hsm"
	"revflow/internal/loop"
	"revflow/internal/model"
	"revflow/internal/remote"
	"revflow/internal/review"
	"revflow/internal/rewrite"
	"revflow/internal/tracker"
)

// timeoutRationale is recorded when the external service never answers and
// the session proceeds on the local gate alone.
const timeoutRationale = "external review unavailable; local review covered the range"

type driveState struct {
	resumed     bool
	fallback    bool
	rewriteDone bool
	lastStep    model.StepName
}

// drive advances the session until it reaches a terminal phase. Every
// transition is persisted with a checkpoint before the next step runs, so an
// interruption at any point resumes from the last completed step.
func (s *Service) drive(ctx context.Context, session model.ReviewSession, ds driveState) (ReviewResult, error) {
	state := loop.State{
		SessionID:     session.SessionID,
		Phase:         session.Phase,
		Iteration:     session.Iteration,
		MaxIterations: s.cfg.Loop.MaxIterations,
	}
	track := tracker.New(s.vcs)
	poller := &remote.Poller{
		Service:  s.remote,
		Store:    s.store,
		Interval: s.cfg.PollInterval(),
		Deadline: s.cfg.PollDeadline(),
	}
	rng := tracker.Range{BaseSHA: session.BaseSHA, HeadSHA: session.HeadSHA}

	// A resumed session never trusts the checkpointed range.
	if ds.resumed && session.Phase != model.SessionPhaseIdle {
		fresh, err := track.Resolve(ctx, session.Branch, session.BaseRef)
		if err != nil {
			return s.abort(ctx, &session, &state, ds, err)
		}
		rng = fresh
		if err := s.store.UpdateSessionRange(session.SessionID, rng.BaseSHA, rng.HeadSHA); err != nil {
			return s.abort(ctx, &session, &state, ds, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, &session, &state, ds, err)
		}

		switch state.Phase {
		case model.SessionPhaseIdle:
			fresh, err := track.Resolve(ctx, session.Branch, session.BaseRef)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			rng = fresh
			if err := s.store.UpdateSessionRange(session.SessionID, rng.BaseSHA, rng.HeadSHA); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, loop.SessionStarted{}, model.StepTrackChanges,
				fmt.Sprintf("range %s..%s, %d paths", rng.BaseSHA, rng.HeadSHA, len(rng.ChangedPaths))); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseLocalReview:
			result, err := s.runLocalGate(ctx, &session, &rng, ds.fallback)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			switch {
			case result.Passed && ds.fallback:
				if err := s.transition(&session, &state, &ds, loop.FallbackGateClean{}, model.StepLocalGate, timeoutRationale); err != nil {
					return s.abort(ctx, &session, &state, ds, err)
				}
			case result.Passed:
				if err := s.transition(&session, &state, &ds, loop.GatePassed{}, model.StepLocalGate,
					fmt.Sprintf("clean after %d round(s)", result.Rounds)); err != nil {
					return s.abort(ctx, &session, &state, ds, err)
				}
			default:
				message := fmt.Sprintf("local gate failed after %d round(s) with %d finding(s)", result.Rounds, len(result.Comments))
				if err := s.transition(&session, &state, &ds, loop.GateExhausted{Remaining: len(result.Comments)}, model.StepLocalGate, message); err != nil {
					return s.abort(ctx, &session, &state, ds, err)
				}
				return s.finish(session, state, ds, message), nil
			}

		case model.SessionPhaseTriggered:
			// Top of the iteration: later steps must see the current
			// head, not the snapshot from session creation.
			fresh, err := track.Resolve(ctx, session.Branch, session.BaseRef)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			rng = fresh
			if err := s.store.UpdateSessionRange(session.SessionID, rng.BaseSHA, rng.HeadSHA); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.vcs.Push(ctx, session.Branch); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			requestID, posted, err := poller.Trigger(ctx, session.SessionID, rng.HeadSHA)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			message := fmt.Sprintf("request %s for head %s", requestID, rng.HeadSHA)
			if !posted {
				message += " (already posted)"
			}
			if err := s.transition(&session, &state, &ds, loop.RequestPosted{}, model.StepTrigger, message); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhasePolling:
			result, err := poller.Poll(ctx, session.SessionID, rng.HeadSHA)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if result.TimedOut {
				ds.fallback = true
				if err := s.transition(&session, &state, &ds, loop.PollDeadlineElapsed{}, model.StepPoll,
					fmt.Sprintf("no response after %d poll(s); %s", result.Polls, timeoutRationale)); err != nil {
					return s.abort(ctx, &session, &state, ds, err)
				}
				continue
			}
			for i := range result.Comments {
				result.Comments[i].SessionID = session.SessionID
			}
			if err := s.store.InsertComments(result.Comments); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, loop.CommentsReceived{}, model.StepPoll,
				fmt.Sprintf("%d comment(s) after %d poll(s)", len(result.Comments), result.Polls)); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseClassifying:
			event, message, err := s.classifyNewComments(ctx, session)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, event, model.StepClassify, message); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseArbitrating:
			event, message, err := s.arbitrateDisputes(ctx, session)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, event, model.StepArbitrate, message); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseFixing:
			iteration := state.Iteration
			event, message, resolved, err := s.applyFixBatch(ctx, session, iteration)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, event, model.StepFix, message); err != nil {
				var bound *loop.BoundExceededError
				if errors.As(err, &bound) {
					result := s.finish(session, state, ds, bound.Error())
					result.Unresolved = bound.Unresolved
					return result, bound
				}
				return s.abort(ctx, &session, &state, ds, err)
			}
			for _, comment := range resolved {
				if err := s.reclassify(comment, model.ClassificationResolved, fmt.Sprintf("fixed in iteration %d", iteration+1)); err != nil {
					return s.abort(ctx, &session, &state, ds, err)
				}
			}

		case model.SessionPhaseMerging:
			event, message, err := s.mergeGate(ctx, session, rng, ds)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, event, model.StepMergeGate, message); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseRewriting:
			ds.rewriteDone = true
			event, message, err := s.rewriteHistory(ctx, session, rng)
			if err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}
			if err := s.transition(&session, &state, &ds, event, model.StepRewrite, message); err != nil {
				return s.abort(ctx, &session, &state, ds, err)
			}

		case model.SessionPhaseMerged, model.SessionPhaseBlocked, model.SessionPhaseAborted:
			return s.finish(session, state, ds, session.ErrorText), nil

		default:
			return s.abort(ctx, &session, &state, ds, fmt.Errorf("session %s in unknown phase %s", session.SessionID, state.Phase))
		}
	}
}

// transition persists one loop step: phase, iteration, audit event, bus
// message, and checkpoint, in that order.
func (s *Service) transition(session *model.ReviewSession, state *loop.State, ds *driveState, event loop.Event, step model.StepName, message string) error {
	next, err := loop.Transition(*state, event)
	if err != nil {
		var bound *loop.BoundExceededError
		if !errors.As(err, &bound) {
			return err
		}
		// The bound breach itself is a legal transition to aborted;
		// persist it before surfacing the error.
		if perr := s.persistTransition(session, state, ds, next, step, bound.Error()); perr != nil {
			return perr
		}
		return err
	}
	return s.persistTransition(session, state, ds, next, step, message)
}

func (s *Service) persistTransition(session *model.ReviewSession, state *loop.State, ds *driveState, next loop.State, step model.StepName, message string) error {
	from := state.Phase
	errorText := ""
	if next.Phase == model.SessionPhaseAborted || next.Phase == model.SessionPhaseBlocked {
		errorText = message
	}
	if err := s.store.UpdateSessionPhase(session.SessionID, next.Phase, next.Iteration, errorText); err != nil {
		return err
	}
	if err := s.store.AddEvent(session.SessionID, "session", session.SessionID, "transition", string(from), string(next.Phase), message); err != nil {
		return err
	}
	if _, err := s.bus.Publish(model.TopicSessionEvents, session.SessionID, model.SessionEventPayload{
		SessionID: session.SessionID,
		Branch:    session.Branch,
		FromPhase: from,
		ToPhase:   next.Phase,
		Iteration: next.Iteration,
		Message:   message,
		At:        time.Now(),
	}); err != nil {
		return err
	}
	if err := s.store.SaveCheckpoint(model.Checkpoint{
		SessionID:         session.SessionID,
		Branch:            session.Branch,
		LastCompletedStep: step,
		Iteration:         next.Iteration,
		UpdatedAt:         time.Now(),
	}); err != nil {
		return err
	}
	*state = next
	session.Phase = next.Phase
	session.Iteration = next.Iteration
	session.ErrorText = errorText
	ds.lastStep = step
	return nil
}

func (s *Service) finish(session model.ReviewSession, state loop.State, ds driveState, reason string) ReviewResult {
	outcome := model.OutcomeAborted
	switch state.Phase {
	case model.SessionPhaseMerged:
		outcome = model.OutcomeMerged
	case model.SessionPhaseBlocked:
		outcome = model.OutcomeBlocked
	}
	return ReviewResult{
		SessionID:  session.SessionID,
		Outcome:    outcome,
		Phase:      state.Phase,
		Iterations: state.Iteration,
		LastStep:   ds.lastStep,
		Reason:     reason,
	}
}

// abort force-terminates the session on a step failure and decorates the
// error with the last completed checkpoint so the failure is resumable.
func (s *Service) abort(ctx context.Context, session *model.ReviewSession, state *loop.State, ds driveState, cause error) (ReviewResult, error) {
	_ = ctx
	if !state.Phase.IsTerminal() && hsm.CanTransitionSession(state.Phase, model.SessionPhaseAborted) {
		next := *state
		next.Phase = model.SessionPhaseAborted
		_ = s.persistTransition(session, state, &ds, next, ds.lastStep, cause.Error())
	}
	result := s.finish(*session, *state, ds, cause.Error())
	return result, fmt.Errorf("%w (last completed step %s, iteration %d)", cause, ds.lastStep, state.Iteration)
}

func (s *Service) runLocalGate(ctx context.Context, session *model.ReviewSession, rng *tracker.Range, fallback bool) (review.Result, error) {
	gate := &review.Gate{
		Reviewer:  s.reviewer,
		MaxRounds: s.cfg.LocalGate.MaxRounds,
	}
	if !fallback {
		gate.Repair = func(ctx context.Context, comments []model.Comment) error {
			return s.repairLocalFindings(ctx, session, comments)
		}
		// Repairs commit between rounds; the next round must review the
		// repaired head, not the snapshot the gate started from.
		gate.Head = func(ctx context.Context) (string, error) {
			return s.vcs.RevParse(ctx, session.Branch)
		}
	}

	result, err := gate.Run(ctx, rng.BaseSHA, rng.HeadSHA)
	if err != nil {
		return result, err
	}
	if result.HeadSHA != "" && result.HeadSHA != rng.HeadSHA {
		rng.HeadSHA = result.HeadSHA
		if err := s.store.UpdateSessionRange(session.SessionID, rng.BaseSHA, rng.HeadSHA); err != nil {
			return result, err
		}
		session.HeadSHA = rng.HeadSHA
	}
	if len(result.Comments) > 0 {
		for i := range result.Comments {
			result.Comments[i].SessionID = session.SessionID
		}
		if err := s.store.InsertComments(result.Comments); err != nil {
			return result, err
		}
	}
	return result, nil
}

// repairLocalFindings fixes and commits local gate findings between rounds.
// The commit stays local until the trigger step pushes.
func (s *Service) repairLocalFindings(ctx context.Context, session *model.ReviewSession, comments []model.Comment) error {
	batch, err := fixer.Batch(ctx, s.applier, comments)
	if err != nil {
		return err
	}
	if len(batch.ChangedPaths) == 0 {
		return fmt.Errorf("local gate repair changed no paths for %d finding(s)", len(comments))
	}
	if err := s.vcs.Add(ctx, batch.ChangedPaths); err != nil {
		return err
	}
	message := "fix: address local review findings\n\nFiles: " + strings.Join(batch.ChangedPaths, ", ")
	return s.vcs.Commit(ctx, message, batch.ChangedPaths)
}

func (s *Service) classifyNewComments(ctx context.Context, session model.ReviewSession) (loop.Event, string, error) {
	pending, err := s.store.ListCommentsByClassification(session.SessionID, model.ClassificationUnclassified)
	if err != nil {
		return nil, "", err
	}
	classifier := &classify.Classifier{History: s.vcs}
	result, err := classifier.Classify(ctx, pending)
	if err != nil {
		return nil, "", err
	}

	for _, outcome := range result.Outcomes() {
		message := ""
		if outcome.Classification == model.ClassificationStale {
			message = "fixed-by-staleness"
			if outcome.Ambiguity != nil {
				message = "fixed-by-staleness (unmappable: " + outcome.Ambiguity.Reason + ")"
			}
		}
		if err := s.reclassify(outcome.Comment, outcome.Classification, message); err != nil {
			return nil, "", err
		}
	}

	event := loop.Classified{Disputed: len(result.Disputed), Confirmed: len(result.Confirmed)}
	message := fmt.Sprintf("%d fixed, %d stale, %d disputed, %d confirmed",
		len(result.Fixed), len(result.Stale), event.Disputed, event.Confirmed)
	return event, message, nil
}

func (s *Service) arbitrateDisputes(ctx context.Context, session model.ReviewSession) (loop.Event, string, error) {
	disputed, err := s.store.ListCommentsByClassification(session.SessionID, model.ClassificationDisputed)
	if err != nil {
		return nil, "", err
	}
	engine := &arbiter.Engine{Judge: s.judge, MaxEscalations: s.cfg.Arbiter.MaxEscalations}

	confirmed := 0
	dismissed := 0
	for _, comment := range disputed {
		verdict, err := engine.Arbitrate(ctx, session.SessionID, arbiter.Dispute{
			Comment:          comment,
			ReviewerPosition: comment.Body,
			CounterPosition:  comment.Rationale,
		})
		if err != nil {
			return nil, "", err
		}
		if err := arbiter.ValidateVerdict(verdict); err != nil {
			return nil, "", err
		}
		if err := s.store.InsertVerdict(verdict); err != nil {
			return nil, "", err
		}
		if _, err := s.bus.Publish(model.TopicVerdictEvents, verdict.CommentID, model.VerdictEventPayload{
			SessionID: session.SessionID,
			CommentID: verdict.CommentID,
			Outcome:   verdict.Outcome,
			At:        time.Now(),
		}); err != nil {
			return nil, "", err
		}

		target := model.ClassificationConfirmed
		if verdict.Outcome == model.VerdictDismissed {
			target = model.ClassificationDismissed
			dismissed++
		} else {
			confirmed++
		}
		if err := s.reclassify(comment, target, verdict.Rationale); err != nil {
			return nil, "", err
		}
	}

	// Comments confirmed directly by the classifier still need fixing.
	alreadyConfirmed, err := s.store.ListCommentsByClassification(session.SessionID, model.ClassificationConfirmed)
	if err != nil {
		return nil, "", err
	}
	event := loop.VerdictsRecorded{Confirmed: len(alreadyConfirmed)}
	message := fmt.Sprintf("%d dispute(s): %d dismissed, %d confirmed", len(disputed), dismissed, confirmed)
	return event, message, nil
}

// applyFixBatch fixes and commits the confirmed comments. Reclassification
// to resolved is the caller's job once the transition lands: if the batch
// trips the iteration bound the comments must still read as confirmed, so
// the abort's unresolved set and the ledger agree.
func (s *Service) applyFixBatch(ctx context.Context, session model.ReviewSession, iteration int) (loop.Event, string, []model.Comment, error) {
	confirmed, err := s.store.ListCommentsByClassification(session.SessionID, model.ClassificationConfirmed)
	if err != nil {
		return nil, "", nil, err
	}
	batch, err := fixer.Batch(ctx, s.applier, confirmed)
	if err != nil {
		return nil, "", nil, err
	}

	if len(batch.ChangedPaths) > 0 {
		if err := s.vcs.Add(ctx, batch.ChangedPaths); err != nil {
			return nil, "", nil, err
		}
		if err := s.vcs.Commit(ctx, s.message(iteration+1, batch.Resolved), batch.ChangedPaths); err != nil {
			return nil, "", nil, err
		}
	}

	ids := make([]string, 0, len(confirmed))
	for _, comment := range confirmed {
		ids = append(ids, comment.ID)
	}
	sort.Strings(ids)
	event := loop.BatchPushed{Unresolved: ids}
	message := fmt.Sprintf("fixed %d comment(s) across %d path(s)", len(batch.Resolved), len(batch.ChangedPaths))
	return event, message, batch.Resolved, nil
}

func (s *Service) mergeGate(ctx context.Context, session model.ReviewSession, rng tracker.Range, ds driveState) (loop.Event, string, error) {
	comments, err := s.store.ListComments(session.SessionID)
	if err != nil {
		return nil, "", err
	}
	blocking := []string{}
	for _, comment := range comments {
		if !comment.Classification.IsTerminal() {
			blocking = append(blocking, fmt.Sprintf("%s (%s)", comment.ID, comment.Classification))
		}
	}
	if len(blocking) > 0 {
		sort.Strings(blocking)
		reason := "non-terminal comments: " + strings.Join(blocking, ", ")
		return loop.MergeBlocked{Reason: reason}, reason, nil
	}

	if s.cfg.Rewrite.Enabled && !ds.rewriteDone {
		rewriter := &rewrite.Rewriter{VCS: s.vcs, SquashThreshold: s.cfg.Rewrite.SquashThreshold}
		should, err := rewriter.ShouldRewrite(ctx, rng.BaseSHA, rng.HeadSHA)
		if err != nil {
			return nil, "", err
		}
		if should {
			return loop.RewritePlanned{}, fmt.Sprintf("commit count over threshold %d", s.cfg.Rewrite.SquashThreshold), nil
		}
	}
	return loop.MergeAuthorized{}, fmt.Sprintf("all %d comment(s) terminal", len(comments)), nil
}

func (s *Service) rewriteHistory(ctx context.Context, session model.ReviewSession, rng tracker.Range) (loop.Event, string, error) {
	rewriter := &rewrite.Rewriter{VCS: s.vcs, SquashThreshold: s.cfg.Rewrite.SquashThreshold}
	paths, err := s.vcs.DiffNameOnly(ctx, rng.BaseSHA, rng.HeadSHA)
	if err != nil {
		return nil, "", err
	}
	plan := rewrite.BuildPlan(session.SessionID, paths)

	if err := rewriter.Execute(ctx, session.SessionID, session.Branch, rng.BaseSHA, rng.HeadSHA, plan); err != nil {
		var integrity *rewrite.RewriteIntegrityError
		if errors.As(err, &integrity) {
			// Fatal to the rewrite only; the session merges with its
			// history as-is.
			if aerr := s.store.AddEvent(session.SessionID, "session", session.SessionID, "rewrite_skipped", "", "", integrity.Error()); aerr != nil {
				return nil, "", aerr
			}
			return loop.RewriteSkipped{}, integrity.Error(), nil
		}
		return nil, "", err
	}
	return loop.RewritePublished{}, fmt.Sprintf("%d commit group(s), backup %s", len(plan.Groups), plan.BackupRef), nil
}

// reclassify moves one comment forward, enforcing the no-backward rule, and
// publishes the change.
func (s *Service) reclassify(comment model.Comment, to model.Classification, message string) error {
	if !hsm.CanReclassify(comment.Classification, to) {
		return fmt.Errorf("illegal reclassification of %s: %s -> %s", comment.ID, comment.Classification, to)
	}
	if comment.Classification == to {
		return nil
	}
	if err := s.store.UpdateCommentClassification(comment.ID, to); err != nil {
		return err
	}
	if err := s.store.AddEvent(comment.SessionID, "comment", comment.ID, "reclassified", string(comment.Classification), string(to), message); err != nil {
		return err
	}
	_, err := s.bus.Publish(model.TopicCommentEvents, comment.ID, model.CommentEventPayload{
		SessionID:      comment.SessionID,
		CommentID:      comment.ID,
		Classification: to,
		At:             time.Now(),
	})
	return err
}
