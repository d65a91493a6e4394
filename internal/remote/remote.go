package remote

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

// Service is the external review provider boundary. PostReviewRequest asks
// the provider to review a head commit; ListComments returns every comment
// the provider has posted for the session so far.
type Service interface {
	PostReviewRequest(ctx context.Context, sessionID string, headSHA string, requestID string) error
	ListComments(ctx context.Context, sessionID string, headSHA string) ([]model.Comment, error)
}

// CommandService drives an external provider through two shell commands, one
// to trigger a review and one to list posted comments. Session and commit
// identifiers are passed through the environment.
type CommandService struct {
	TriggerCommand string
	ListCommand    string
	Dir            string
}

type remoteComment struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Body      string `json:"body"`
	Rationale string `json:"rationale,omitempty"`
}

func (s *CommandService) run(ctx context.Context, command string, extraEnv []string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if strings.TrimSpace(s.Dir) != "" {
		cmd.Dir = s.Dir
	}
	cmd.Env = append(os.Environ(), extraEnv...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *CommandService) PostReviewRequest(ctx context.Context, sessionID string, headSHA string, requestID string) error {
	command := strings.TrimSpace(s.TriggerCommand)
	if command == "" {
		return fmt.Errorf("remote trigger command is not configured")
	}
	_, err := s.run(ctx, command, []string{
		"REVFLOW_SESSION_ID=" + sessionID,
		"REVFLOW_HEAD_SHA=" + headSHA,
		"REVFLOW_REQUEST_ID=" + requestID,
	})
	if err != nil {
		return fmt.Errorf("post review request: %w", err)
	}
	return nil
}

func (s *CommandService) ListComments(ctx context.Context, sessionID string, headSHA string) ([]model.Comment, error) {
	command := strings.TrimSpace(s.ListCommand)
	if command == "" {
		return nil, fmt.Errorf("remote list command is not configured")
	}
	output, err := s.run(ctx, command, []string{
		"REVFLOW_SESSION_ID=" + sessionID,
		"REVFLOW_HEAD_SHA=" + headSHA,
	})
	if err != nil {
		return nil, fmt.Errorf("list remote comments: %w", err)
	}
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}
	raw := []remoteComment{}
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, fmt.Errorf("parse remote comments: %w", err)
	}

	now := time.Now()
	comments := make([]model.Comment, 0, len(raw))
	for _, rc := range raw {
		id := rc.ID
		if strings.TrimSpace(id) == "" {
			id = uuid.NewString()
		}
		comments = append(comments, model.Comment{
			ID:             id,
			SessionID:      sessionID,
			FilePath:       rc.FilePath,
			StartLine:      rc.StartLine,
			EndLine:        rc.EndLine,
			Body:           rc.Body,
			Rationale:      rc.Rationale,
			Source:         model.CommentSourceExternal,
			Classification: model.ClassificationUnclassified,
			CreatedAt:      now,
		})
	}
	return comments, nil
}

// RequestStore records which head commits have already been submitted, so a
// retried or resumed trigger never posts a duplicate request.
type RequestStore interface {
	RecordReviewRequest(request model.ReviewRequest) error
	GetReviewRequest(sessionID string, headSHA string) (*model.ReviewRequest, error)
}

type PollResult struct {
	Comments []model.Comment
	Polls    int
	TimedOut bool
}

// Poller owns the trigger-then-wait half of an external review round.
type Poller struct {
	Service  Service
	Store    RequestStore
	Interval time.Duration
	Deadline time.Duration
}

// Trigger submits the head commit for external review exactly once. If a
// request for this (session, head) pair is already recorded, the recorded
// request ID is returned and no new request is posted.
func (p *Poller) Trigger(ctx context.Context, sessionID string, headSHA string) (string, bool, error) {
	existing, err := p.Store.GetReviewRequest(sessionID, headSHA)
	if err != nil {
		return "", false, fmt.Errorf("look up review request: %w", err)
	}
	if existing != nil {
		return existing.RequestID, false, nil
	}

	requestID := uuid.NewString()
	if err := p.Service.PostReviewRequest(ctx, sessionID, headSHA, requestID); err != nil {
		return "", false, err
	}
	if err := p.Store.RecordReviewRequest(model.ReviewRequest{
		SessionID: sessionID,
		HeadSHA:   headSHA,
		RequestID: requestID,
		PostedAt:  time.Now(),
	}); err != nil {
		return "", false, fmt.Errorf("record review request: %w", err)
	}
	return requestID, true, nil
}

// Poll waits for external comments on the given head commit, checking every
// interval until the deadline. An empty comment list with TimedOut set means
// the provider never answered; the caller falls back to the local verdict.
func (p *Poller) Poll(ctx context.Context, sessionID string, headSHA string) (PollResult, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}

	result := PollResult{}
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result.Polls++
		comments, err := p.Service.ListComments(ctx, sessionID, headSHA)
		if err != nil {
			return result, err
		}
		if len(comments) > 0 {
			result.Comments = comments
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timeout.C:
			result.TimedOut = true
			return result, nil
		case <-ticker.C:
		}
	}
}
