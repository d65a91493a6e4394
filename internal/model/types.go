package model

import "time"

type SessionPhase string

const (
	SessionPhaseIdle        SessionPhase = "idle"
	SessionPhaseLocalReview SessionPhase = "local_review"
	SessionPhaseTriggered   SessionPhase = "triggered"
	SessionPhasePolling     SessionPhase = "polling"
	SessionPhaseClassifying SessionPhase = "classifying"
	SessionPhaseArbitrating SessionPhase = "arbitrating"
	SessionPhaseFixing      SessionPhase = "fixing"
	SessionPhaseRewriting   SessionPhase = "rewriting"
	SessionPhaseMerging     SessionPhase = "merging"
	SessionPhaseMerged      SessionPhase = "merged"
	SessionPhaseBlocked     SessionPhase = "blocked"
	SessionPhaseAborted     SessionPhase = "aborted"
)

// IsTerminal reports whether a session in this phase can no longer move.
func (p SessionPhase) IsTerminal() bool {
	switch p {
	case SessionPhaseMerged, SessionPhaseBlocked, SessionPhaseAborted:
		return true
	}
	return false
}

type StepName string

const (
	StepTrackChanges StepName = "track_changes"
	StepLocalGate    StepName = "local_gate"
	StepTrigger      StepName = "trigger"
	StepPoll         StepName = "poll"
	StepClassify     StepName = "classify"
	StepArbitrate    StepName = "arbitrate"
	StepFix          StepName = "fix"
	StepRewrite      StepName = "rewrite"
	StepMergeGate    StepName = "merge_gate"
)

type CommentSource string

const (
	CommentSourceLocal    CommentSource = "local"
	CommentSourceExternal CommentSource = "external"
)

type Classification string

const (
	ClassificationUnclassified Classification = "unclassified"
	ClassificationFixed        Classification = "fixed"
	ClassificationDisputed     Classification = "disputed"
	ClassificationConfirmed    Classification = "confirmed"
	ClassificationStale        Classification = "stale"
	ClassificationDismissed    Classification = "dismissed"
	ClassificationResolved     Classification = "resolved"
)

// IsTerminal reports whether a comment with this classification needs no
// further routing. The merge gate only authorizes when every comment is
// terminal.
func (c Classification) IsTerminal() bool {
	switch c {
	case ClassificationFixed, ClassificationStale, ClassificationDismissed, ClassificationResolved:
		return true
	}
	return false
}

type VerdictOutcome string

const (
	VerdictDismissed VerdictOutcome = "dismissed"
	VerdictConfirmed VerdictOutcome = "confirmed"
	VerdictEscalated VerdictOutcome = "escalated"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type ReviewSession struct {
	SessionID string       `json:"session_id"`
	Branch    string       `json:"branch"`
	BaseRef   string       `json:"base_ref"`
	BaseSHA   string       `json:"base_sha"`
	HeadSHA   string       `json:"head_sha"`
	Phase     SessionPhase `json:"phase"`
	Iteration int          `json:"iteration"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ErrorText string       `json:"error_text,omitempty"`
}

// Comment is immutable once received; only Classification moves, and only
// forward (hsm.CanReclassify).
type Comment struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	FilePath       string         `json:"file_path"`
	StartLine      int            `json:"start_line"`
	EndLine        int            `json:"end_line"`
	Body           string         `json:"body"`
	Rationale      string         `json:"rationale,omitempty"`
	Source         CommentSource  `json:"source"`
	Classification Classification `json:"classification"`
	CreatedAt      time.Time      `json:"created_at"`
	ClassifiedAt   *time.Time     `json:"classified_at,omitempty"`
}

// Verdict is the arbitration audit record. Immutable once stored.
type Verdict struct {
	CommentID    string         `json:"comment_id"`
	SessionID    string         `json:"session_id"`
	Outcome      VerdictOutcome `json:"outcome"`
	Participants []string       `json:"participants"`
	Rounds       int            `json:"rounds"`
	Confidence   Confidence     `json:"confidence"`
	Rationale    string         `json:"rationale,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HasEvidence reports whether the verdict carries the evidence trail required
// to act on it. A dismissal without participants or confidence must not be
// used to drop a comment.
func (v Verdict) HasEvidence() bool {
	return len(v.Participants) > 0 && v.Confidence != ""
}

// Checkpoint reflects a consistent, already-committed state; it is written
// synchronously after each completed step and is the single source of truth
// on resume.
type Checkpoint struct {
	SessionID         string    `json:"session_id"`
	Branch            string    `json:"branch"`
	LastCompletedStep StepName  `json:"last_completed_step"`
	Iteration         int       `json:"iteration"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type CommitGroup struct {
	Label string   `json:"label"`
	Paths []string `json:"paths"`
}

type HistoryPlan struct {
	Groups    []CommitGroup `json:"groups"`
	BackupRef string        `json:"backup_ref"`
}

type ReviewRequest struct {
	SessionID string    `json:"session_id"`
	HeadSHA   string    `json:"head_sha"`
	RequestID string    `json:"request_id"`
	PostedAt  time.Time `json:"posted_at"`
}

type SessionOutcome string

const (
	OutcomeMerged  SessionOutcome = "merged"
	OutcomeBlocked SessionOutcome = "blocked"
	OutcomeAborted SessionOutcome = "aborted"
)

type Event struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
