package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"revflow/internal/model"
)

// Applier edits the working tree to resolve one confirmed comment and
// reports which paths it touched. It never commits; commit and push belong
// to the batch loop so a crash cannot leave a half-applied checkpoint.
type Applier interface {
	Apply(ctx context.Context, comment model.Comment) ([]string, error)
}

// CommandApplier shells out to the policy-configured fix command. The
// comment is passed through the environment; stdout is parsed as a JSON
// array of changed paths, or one path per line for plain-text tools.
type CommandApplier struct {
	Command string
	Dir     string
}

func (a *CommandApplier) Apply(ctx context.Context, comment model.Comment) ([]string, error) {
	command := strings.TrimSpace(a.Command)
	if command == "" {
		return nil, fmt.Errorf("fix command is not configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if strings.TrimSpace(a.Dir) != "" {
		cmd.Dir = a.Dir
	}
	cmd.Env = append(os.Environ(),
		"REVFLOW_COMMENT_ID="+comment.ID,
		"REVFLOW_COMMENT_FILE="+comment.FilePath,
		"REVFLOW_COMMENT_START_LINE="+strconv.Itoa(comment.StartLine),
		"REVFLOW_COMMENT_END_LINE="+strconv.Itoa(comment.EndLine),
		"REVFLOW_COMMENT_BODY="+comment.Body,
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fix command failed for comment %s: %w: %s", comment.ID, err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		if comment.FilePath == "" {
			return nil, nil
		}
		return []string{comment.FilePath}, nil
	}
	if strings.HasPrefix(output, "[") {
		paths := []string{}
		if err := json.Unmarshal([]byte(output), &paths); err != nil {
			return nil, fmt.Errorf("parse fix output for comment %s: %w", comment.ID, err)
		}
		return paths, nil
	}
	paths := []string{}
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// MessageFunc renders the commit message for one batch of fixes.
type MessageFunc func(iteration int, comments []model.Comment) string

// DefaultMessage summarizes the batch, listing the files touched.
func DefaultMessage(iteration int, comments []model.Comment) string {
	files := map[string]bool{}
	order := []string{}
	for _, comment := range comments {
		if comment.FilePath == "" || files[comment.FilePath] {
			continue
		}
		files[comment.FilePath] = true
		order = append(order, comment.FilePath)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "fix: address %d review comment(s), iteration %d", len(comments), iteration)
	if len(order) > 0 {
		b.WriteString("\n\nFiles: ")
		b.WriteString(strings.Join(order, ", "))
	}
	return b.String()
}

// BatchResult reports one fix batch: every path the appliers touched plus
// the comments they resolved.
type BatchResult struct {
	ChangedPaths []string
	Resolved     []model.Comment
}

// Batch applies fixes for every confirmed comment in order. Fixes run
// serially; concurrent writers to one working tree would fight over locks.
// The caller commits and pushes the result in a single step afterward.
func Batch(ctx context.Context, applier Applier, comments []model.Comment) (BatchResult, error) {
	result := BatchResult{}
	seen := map[string]bool{}
	for _, comment := range comments {
		paths, err := applier.Apply(ctx, comment)
		if err != nil {
			return result, err
		}
		for _, path := range paths {
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			result.ChangedPaths = append(result.ChangedPaths, path)
		}
		result.Resolved = append(result.Resolved, comment)
	}
	return result, nil
}
