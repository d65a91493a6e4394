package rewrite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"revflow/internal/model"
)

// VCS is the slice of version control the rewriter needs. Destructive
// operations only run after the backup ref is verified reachable.
type VCS interface {
	RevParse(ctx context.Context, ref string) (string, error)
	CommitCount(ctx context.Context, baseSHA string, headSHA string) (int, error)
	CreateRef(ctx context.Context, name string, target string) error
	DeleteRef(ctx context.Context, name string) error
	RefExists(ctx context.Context, name string) (bool, error)
	ResetSoft(ctx context.Context, ref string) error
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string, paths []string) error
	ForcePush(ctx context.Context, branch string) error
}

// RewriteIntegrityError means the rewrite produced no replacement commits.
// The branch is restored from the backup ref; the session continues without
// a rewritten history.
type RewriteIntegrityError struct {
	SessionID string
	BackupRef string
}

func (e *RewriteIntegrityError) Error() string {
	return fmt.Sprintf("history rewrite for session %s produced no commits; restored from %s", e.SessionID, e.BackupRef)
}

// BuildPlan groups the changed paths by top-level directory so the rewritten
// history lands as a few reviewable commits instead of one squash blob.
func BuildPlan(sessionID string, changedPaths []string) model.HistoryPlan {
	byGroup := map[string][]string{}
	for _, path := range changedPaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		label := "root"
		if i := strings.IndexByte(path, '/'); i > 0 {
			label = path[:i]
		}
		byGroup[label] = append(byGroup[label], path)
	}

	labels := make([]string, 0, len(byGroup))
	for label := range byGroup {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	plan := model.HistoryPlan{BackupRef: "refs/revflow/backup/" + sessionID}
	for _, label := range labels {
		paths := byGroup[label]
		sort.Strings(paths)
		plan.Groups = append(plan.Groups, model.CommitGroup{Label: label, Paths: paths})
	}
	return plan
}

// Rewriter squashes the accumulated fix commits into the plan's groups.
type Rewriter struct {
	VCS             VCS
	SquashThreshold int
}

// ShouldRewrite reports whether the branch has accumulated enough commits
// over the base to be worth rewriting.
func (r *Rewriter) ShouldRewrite(ctx context.Context, baseSHA string, headSHA string) (bool, error) {
	threshold := r.SquashThreshold
	if threshold <= 0 {
		threshold = 3
	}
	count, err := r.VCS.CommitCount(ctx, baseSHA, headSHA)
	if err != nil {
		return false, errors.Wrap(err, "count branch commits")
	}
	return count > threshold, nil
}

// Execute performs the rewrite: back up the current head, reset to the merge
// base, re-commit the changes group by group, and force-push. Any failure
// after the reset restores the branch from the backup ref before returning.
func (r *Rewriter) Execute(ctx context.Context, sessionID string, branch string, baseSHA string, headSHA string, plan model.HistoryPlan) error {
	if len(plan.Groups) == 0 {
		return &RewriteIntegrityError{SessionID: sessionID, BackupRef: plan.BackupRef}
	}

	if err := r.VCS.CreateRef(ctx, plan.BackupRef, headSHA); err != nil {
		return errors.Wrap(err, "create backup ref")
	}
	exists, err := r.VCS.RefExists(ctx, plan.BackupRef)
	if err != nil {
		return errors.Wrap(err, "verify backup ref")
	}
	if !exists {
		return fmt.Errorf("backup ref %s not reachable after creation", plan.BackupRef)
	}

	if err := r.VCS.ResetSoft(ctx, baseSHA); err != nil {
		return errors.Wrap(err, "reset to merge base")
	}

	committed := 0
	for _, group := range plan.Groups {
		if err := r.VCS.Add(ctx, group.Paths); err != nil {
			return r.restore(ctx, plan.BackupRef, errors.Wrapf(err, "stage group %s", group.Label))
		}
		message := fmt.Sprintf("%s: review fixes", group.Label)
		if err := r.VCS.Commit(ctx, message, group.Paths); err != nil {
			return r.restore(ctx, plan.BackupRef, errors.Wrapf(err, "commit group %s", group.Label))
		}
		committed++
	}

	if committed == 0 {
		return r.restore(ctx, plan.BackupRef, &RewriteIntegrityError{SessionID: sessionID, BackupRef: plan.BackupRef})
	}

	if err := r.VCS.ForcePush(ctx, branch); err != nil {
		return r.restore(ctx, plan.BackupRef, errors.Wrap(err, "publish rewritten branch"))
	}

	// Keep the backup ref until the session ends; Cleanup removes it.
	return nil
}

func (r *Rewriter) restore(ctx context.Context, backupRef string, cause error) error {
	if err := r.VCS.ResetSoft(ctx, backupRef); err != nil {
		return errors.Wrapf(cause, "restore from %s also failed: %v", backupRef, err)
	}
	return cause
}

// Cleanup drops the session's backup ref once the session reaches a terminal
// phase.
func (r *Rewriter) Cleanup(ctx context.Context, plan model.HistoryPlan) error {
	exists, err := r.VCS.RefExists(ctx, plan.BackupRef)
	if err != nil || !exists {
		return err
	}
	return r.VCS.DeleteRef(ctx, plan.BackupRef)
}
