package model

import "time"

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

type OutboxMessage struct {
	ID           int64        `json:"id"`
	MessageID    string       `json:"message_id"`
	Topic        string       `json:"topic"`
	MessageKey   string       `json:"message_key,omitempty"`
	PayloadJSON  string       `json:"payload_json"`
	Status       OutboxStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}

const (
	TopicSessionEvents = "review.events.session"
	TopicCommentEvents = "review.events.comment"
	TopicVerdictEvents = "review.events.verdict"
)

// SessionEventPayload is what the bus publishes on session transitions.
type SessionEventPayload struct {
	SessionID string       `json:"session_id"`
	Branch    string       `json:"branch"`
	FromPhase SessionPhase `json:"from_phase"`
	ToPhase   SessionPhase `json:"to_phase"`
	Iteration int          `json:"iteration"`
	Message   string       `json:"message,omitempty"`
	At        time.Time    `json:"at"`
}

type CommentEventPayload struct {
	SessionID      string         `json:"session_id"`
	CommentID      string         `json:"comment_id"`
	Classification Classification `json:"classification"`
	At             time.Time      `json:"at"`
}

type VerdictEventPayload struct {
	SessionID string         `json:"session_id"`
	CommentID string         `json:"comment_id"`
	Outcome   VerdictOutcome `json:"outcome"`
	At        time.Time      `json:"at"`
}
