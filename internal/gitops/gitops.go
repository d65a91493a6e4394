package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
)

// Git runs git against a single working tree. Every operation is fallible;
// push in particular can fail on network or remote lock contention and is
// retried with a bounded backoff.
type Git struct {
	Dir          string
	PushAttempts uint
	PushBackoff  time.Duration
}

func New(dir string) *Git {
	return &Git{
		Dir:          dir,
		PushAttempts: 3,
		PushBackoff:  500 * time.Millisecond,
	}
}

func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := g.output(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) MergeBase(ctx context.Context, baseRef string, headRef string) (string, error) {
	out, err := g.output(ctx, "merge-base", baseRef, headRef)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", baseRef, headRef, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) DiffNameOnly(ctx context.Context, baseSHA string, headSHA string) ([]string, error) {
	out, err := g.output(ctx, "diff", "--name-only", baseSHA, headSHA)
	if err != nil {
		return nil, fmt.Errorf("diff --name-only %s %s: %w", baseSHA, headSHA, err)
	}
	paths := []string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (g *Git) CommitCount(ctx context.Context, baseSHA string, headSHA string) (int, error) {
	out, err := g.output(ctx, "rev-list", "--count", baseSHA+".."+headSHA)
	if err != nil {
		return 0, fmt.Errorf("rev-list --count %s..%s: %w", baseSHA, headSHA, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", strings.TrimSpace(out), err)
	}
	return count, nil
}

func (g *Git) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.output(ctx, args...); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	return nil
}

func (g *Git) Commit(ctx context.Context, message string, paths []string) error {
	args := []string{"commit", "-m", message}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	if _, err := g.output(ctx, args...); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *Git) Push(ctx context.Context, branch string) error {
	attempts := g.PushAttempts
	if attempts == 0 {
		attempts = 3
	}
	pushBackoff := g.PushBackoff
	if pushBackoff <= 0 {
		pushBackoff = 500 * time.Millisecond
	}
	err := retry.Retry(func(attempt uint) error {
		_, pushErr := g.output(ctx, "push", "origin", branch)
		return pushErr
	}, strategy.Limit(attempts), strategy.Backoff(backoff.Linear(pushBackoff)))
	if err != nil {
		return fmt.Errorf("push origin %s: %w", branch, err)
	}
	return nil
}

func (g *Git) ForcePush(ctx context.Context, branch string) error {
	attempts := g.PushAttempts
	if attempts == 0 {
		attempts = 3
	}
	pushBackoff := g.PushBackoff
	if pushBackoff <= 0 {
		pushBackoff = 500 * time.Millisecond
	}
	err := retry.Retry(func(attempt uint) error {
		_, pushErr := g.output(ctx, "push", "--force-with-lease", "origin", branch)
		return pushErr
	}, strategy.Limit(attempts), strategy.Backoff(backoff.Linear(pushBackoff)))
	if err != nil {
		return fmt.Errorf("push --force-with-lease origin %s: %w", branch, err)
	}
	return nil
}

func (g *Git) ResetSoft(ctx context.Context, ref string) error {
	if _, err := g.output(ctx, "reset", "--soft", ref); err != nil {
		return fmt.Errorf("reset --soft %s: %w", ref, err)
	}
	return nil
}

func (g *Git) CreateRef(ctx context.Context, name string, target string) error {
	if _, err := g.output(ctx, "update-ref", name, target); err != nil {
		return fmt.Errorf("update-ref %s %s: %w", name, target, err)
	}
	return nil
}

func (g *Git) DeleteRef(ctx context.Context, name string) error {
	if _, err := g.output(ctx, "update-ref", "-d", name); err != nil {
		return fmt.Errorf("update-ref -d %s: %w", name, err)
	}
	return nil
}

func (g *Git) RefExists(ctx context.Context, name string) (bool, error) {
	_, err := g.output(ctx, "rev-parse", "--verify", "--quiet", name)
	if err == nil {
		return true, nil
	}
	if _, ok := exitError(err); ok {
		return false, nil
	}
	return false, fmt.Errorf("rev-parse --verify %s: %w", name, err)
}

// LastModified returns the commit time of the most recent change touching the
// given line range of path. Falls back to whole-file history when the range is
// empty. Errors when the path has no history (deleted or renamed files), which
// callers treat as an unmappable staleness target.
func (g *Git) LastModified(ctx context.Context, path string, startLine int, endLine int) (time.Time, error) {
	var out string
	var err error
	if startLine > 0 && endLine >= startLine {
		out, err = g.output(ctx, "log", "-1", "--format=%cI", "-s", fmt.Sprintf("-L%d,%d:%s", startLine, endLine, path))
	} else {
		out, err = g.output(ctx, "log", "-1", "--format=%cI", "--", path)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("log for %s: %w", path, err)
	}
	// -L output may repeat the format line per hunk; the first line is the
	// newest commit either way.
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	if first == "" {
		return time.Time{}, fmt.Errorf("no history for %s", path)
	}
	modified, err := time.Parse(time.RFC3339, first)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q for %s: %w", first, path, err)
	}
	return modified, nil
}

func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if strings.TrimSpace(g.Dir) != "" {
		cmd.Dir = g.Dir
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, detail)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

func exitError(err error) (*exec.ExitError, bool) {
	for err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr, true
		}
		type unwrapper interface{ Unwrap() error }
		wrapped, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = wrapped.Unwrap()
	}
	return nil, false
}
