package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"revflow/internal/model"
)

// Reviewer produces findings over a commit range. How findings are generated
// is outside this package; the default implementation shells out to the
// policy-configured reviewer command.
type Reviewer interface {
	Review(ctx context.Context, baseSHA string, headSHA string) ([]model.Comment, error)
}

// CommandReviewer runs a shell command and parses its stdout as a JSON array
// of findings. The commit range is passed through the environment.
type CommandReviewer struct {
	Command string
	Dir     string
}

type commandFinding struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Body      string `json:"body"`
	Rationale string `json:"rationale,omitempty"`
}

func (r *CommandReviewer) Review(ctx context.Context, baseSHA string, headSHA string) ([]model.Comment, error) {
	command := strings.TrimSpace(r.Command)
	if command == "" {
		return nil, fmt.Errorf("reviewer command is not configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if strings.TrimSpace(r.Dir) != "" {
		cmd.Dir = r.Dir
	}
	cmd.Env = append(os.Environ(),
		"REVFLOW_BASE_SHA="+baseSHA,
		"REVFLOW_HEAD_SHA="+headSHA,
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reviewer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return nil, nil
	}
	findings := []commandFinding{}
	if err := json.Unmarshal([]byte(output), &findings); err != nil {
		return nil, fmt.Errorf("parse reviewer output: %w", err)
	}

	now := time.Now()
	comments := make([]model.Comment, 0, len(findings))
	for _, finding := range findings {
		comments = append(comments, model.Comment{
			ID:             uuid.NewString(),
			FilePath:       finding.FilePath,
			StartLine:      finding.StartLine,
			EndLine:        finding.EndLine,
			Body:           finding.Body,
			Rationale:      finding.Rationale,
			Source:         model.CommentSourceLocal,
			Classification: model.ClassificationUnclassified,
			CreatedAt:      now,
		})
	}
	return comments, nil
}

// RepairFunc is invoked between failed gate rounds to fix the reported
// findings. Repairs run in the caller's working tree; the gate never
// backgrounds them.
type RepairFunc func(ctx context.Context, comments []model.Comment) error

// HeadFunc resolves the branch head between rounds. Repairs commit and move
// the head, so without it later rounds would review the pre-repair snapshot.
type HeadFunc func(ctx context.Context) (string, error)

type Result struct {
	Passed   bool
	Rounds   int
	HeadSHA  string
	Comments []model.Comment
}

// Gate runs the local reviewer synchronously over the full change range. It
// must pass before any external trigger; when the external service is
// unreachable this gate alone carries the merge decision.
type Gate struct {
	Reviewer  Reviewer
	Repair    RepairFunc
	Head      HeadFunc
	MaxRounds int
}

func (g *Gate) Run(ctx context.Context, baseSHA string, headSHA string) (Result, error) {
	maxRounds := g.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	head := headSHA
	var comments []model.Comment
	for round := 1; round <= maxRounds; round++ {
		found, err := g.Reviewer.Review(ctx, baseSHA, head)
		if err != nil {
			return Result{Rounds: round, HeadSHA: head}, err
		}
		if len(found) == 0 {
			return Result{Passed: true, Rounds: round, HeadSHA: head}, nil
		}
		comments = found
		if g.Repair == nil || round == maxRounds {
			break
		}
		if err := g.Repair(ctx, comments); err != nil {
			return Result{Rounds: round, HeadSHA: head, Comments: comments}, err
		}
		if g.Head != nil {
			fresh, err := g.Head(ctx)
			if err != nil {
				return Result{Rounds: round, HeadSHA: head, Comments: comments}, err
			}
			head = fresh
		}
	}
	return Result{Passed: false, Rounds: maxRounds, HeadSHA: head, Comments: comments}, nil
}
