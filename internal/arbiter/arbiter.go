package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"revflow/internal/model"
)

// ErrVerdictWithoutEvidence marks a dismissal that carries no participant or
// confidence trail. Such a verdict must never remove a comment.
var ErrVerdictWithoutEvidence = errors.New("verdict dismisses a comment without an evidence trail")

// ArbitrationInconclusiveError reports a judge that could not settle the
// dispute within the permitted escalation budget.
type ArbitrationInconclusiveError struct {
	CommentID string
	Rounds    int
}

func (e *ArbitrationInconclusiveError) Error() string {
	return fmt.Sprintf("arbitration of comment %s inconclusive after %d rounds", e.CommentID, e.Rounds)
}

// ValidateVerdict enforces the evidence invariant before a verdict is acted
// on or persisted.
func ValidateVerdict(verdict model.Verdict) error {
	if verdict.Outcome == model.VerdictDismissed && !verdict.HasEvidence() {
		return fmt.Errorf("comment %s: %w", verdict.CommentID, ErrVerdictWithoutEvidence)
	}
	return nil
}

// Dispute is one contested comment with both sides' positions spelled out.
type Dispute struct {
	Comment          model.Comment
	ReviewerPosition string
	CounterPosition  string
}

// Judge evaluates a structured question holding both positions and returns a
// verdict. Backed by a shell command in production; fakes in tests.
type Judge interface {
	Evaluate(ctx context.Context, question string, positionA string, positionB string) (model.Verdict, error)
}

// CommandJudge shells out to the policy-configured judge command, feeding it
// the evaluation request as JSON on stdin and parsing a JSON verdict from
// stdout.
type CommandJudge struct {
	Command string
	Dir     string
}

type judgeRequest struct {
	Question  string `json:"question"`
	PositionA string `json:"position_a"`
	PositionB string `json:"position_b"`
}

type judgeResponse struct {
	Outcome    string `json:"outcome"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
}

func (j *CommandJudge) Evaluate(ctx context.Context, question string, positionA string, positionB string) (model.Verdict, error) {
	command := strings.TrimSpace(j.Command)
	if command == "" {
		return model.Verdict{}, fmt.Errorf("judge command is not configured")
	}
	input, err := json.Marshal(judgeRequest{Question: question, PositionA: positionA, PositionB: positionB})
	if err != nil {
		return model.Verdict{}, fmt.Errorf("encode judge request: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if strings.TrimSpace(j.Dir) != "" {
		cmd.Dir = j.Dir
	}
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return model.Verdict{}, fmt.Errorf("judge command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	response := judgeResponse{}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &response); err != nil {
		return model.Verdict{}, fmt.Errorf("parse judge response: %w", err)
	}
	outcome := model.VerdictOutcome(strings.ToLower(strings.TrimSpace(response.Outcome)))
	switch outcome {
	case model.VerdictDismissed, model.VerdictConfirmed, model.VerdictEscalated:
	default:
		return model.Verdict{}, fmt.Errorf("judge returned unknown outcome %q", response.Outcome)
	}
	return model.Verdict{
		Outcome:    outcome,
		Confidence: model.Confidence(strings.ToLower(strings.TrimSpace(response.Confidence))),
		Rationale:  response.Rationale,
	}, nil
}

// Engine resolves disputed comments one at a time. The judge sees both
// positions; if it escalates, one more round is permitted with the prior
// exchange attached, after which the engine defaults to confirmed so an
// unresolved dispute cannot silently vanish.
type Engine struct {
	Judge          Judge
	MaxEscalations int
}

func (e *Engine) question(dispute Dispute, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Is the following review comment on %s:%d-%d a real defect that must be fixed before merge?\n\n%s",
		dispute.Comment.FilePath, dispute.Comment.StartLine, dispute.Comment.EndLine, dispute.Comment.Body)
	if round > 1 {
		fmt.Fprintf(&b, "\n\nThis is escalation round %d; the first exchange was inconclusive. Decide.", round)
	}
	return b.String()
}

// Arbitrate returns the final verdict for one dispute, evidence attached.
func (e *Engine) Arbitrate(ctx context.Context, sessionID string, dispute Dispute) (model.Verdict, error) {
	maxEscalations := e.MaxEscalations
	if maxEscalations < 0 {
		maxEscalations = 0
	}
	participants := []string{"reviewer", "implementer"}

	rounds := 0
	for rounds <= maxEscalations {
		rounds++
		verdict, err := e.Judge.Evaluate(ctx, e.question(dispute, rounds), dispute.ReviewerPosition, dispute.CounterPosition)
		if err != nil {
			return model.Verdict{}, fmt.Errorf("evaluate comment %s: %w", dispute.Comment.ID, err)
		}
		if verdict.Outcome == model.VerdictEscalated {
			continue
		}

		verdict.CommentID = dispute.Comment.ID
		verdict.SessionID = sessionID
		verdict.Participants = participants
		verdict.Rounds = rounds
		verdict.CreatedAt = time.Now()
		if err := ValidateVerdict(verdict); err != nil {
			// Invalid dismissals convert to confirmed; erring toward
			// fixing keeps the comment visible to the fix loop.
			verdict.Outcome = model.VerdictConfirmed
			verdict.Confidence = model.ConfidenceLow
			verdict.Rationale = strings.TrimSpace(verdict.Rationale + "\nconfirmed by default: " + err.Error())
		}
		return verdict, nil
	}

	inconclusive := &ArbitrationInconclusiveError{CommentID: dispute.Comment.ID, Rounds: rounds}
	return model.Verdict{
		CommentID:    dispute.Comment.ID,
		SessionID:    sessionID,
		Outcome:      model.VerdictConfirmed,
		Participants: participants,
		Rounds:       rounds,
		Confidence:   model.ConfidenceLow,
		Rationale:    "confirmed by default: " + inconclusive.Error(),
		CreatedAt:    time.Now(),
	}, nil
}
