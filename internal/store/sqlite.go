package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"revflow/internal/model"
)

type SQLiteStore struct {
	DBPath     string
	SQLitePath string
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".revflow/revflow.db"
	}
	return &SQLiteStore{
		DBPath:     dbPath,
		SQLitePath: "sqlite3",
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  branch TEXT NOT NULL,
  base_ref TEXT NOT NULL,
  base_sha TEXT NOT NULL DEFAULT '',
  head_sha TEXT NOT NULL DEFAULT '',
  phase TEXT NOT NULL,
  iteration INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  error_text TEXT NOT NULL DEFAULT '',
  policy_json TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
  session_id TEXT PRIMARY KEY,
  branch TEXT NOT NULL,
  last_completed_step TEXT NOT NULL,
  iteration INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
  comment_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  file_path TEXT NOT NULL,
  start_line INTEGER NOT NULL DEFAULT 0,
  end_line INTEGER NOT NULL DEFAULT 0,
  body TEXT NOT NULL,
  rationale TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  classification TEXT NOT NULL,
  created_at TEXT NOT NULL,
  classified_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS verdicts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  comment_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  participants_json TEXT NOT NULL,
  rounds INTEGER NOT NULL,
  confidence TEXT NOT NULL,
  rationale TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS review_requests (
  session_id TEXT NOT NULL,
  head_sha TEXT NOT NULL,
  request_id TEXT NOT NULL,
  posted_at TEXT NOT NULL,
  PRIMARY KEY (session_id, head_sha)
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_state TEXT NOT NULL DEFAULT '',
  to_state TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  topic TEXT NOT NULL,
  message_key TEXT NOT NULL DEFAULT '',
  payload_json TEXT NOT NULL,
  status TEXT NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  sent_at TEXT NOT NULL DEFAULT ''
);`

	return s.execSQL(schema)
}

func (s *SQLiteStore) CreateSession(session model.ReviewSession, policyJSON string) error {
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO sessions (session_id, branch, base_ref, base_sha, head_sha, phase, iteration, created_at, updated_at, error_text, policy_json)
VALUES (%s, %s, %s, %s, %s, %s, %d, %s, %s, '', %s);`,
		quote(session.SessionID),
		quote(session.Branch),
		quote(session.BaseRef),
		quote(session.BaseSHA),
		quote(session.HeadSHA),
		quote(string(session.Phase)),
		session.Iteration,
		quote(now), quote(now),
		quote(policyJSON),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetSession(sessionID string) (model.ReviewSession, string, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, branch, base_ref, base_sha, head_sha, phase, iteration, created_at, updated_at, error_text, policy_json
FROM sessions WHERE session_id=%s;`,
		quote(sessionID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.ReviewSession{}, "", err
	}
	if len(rows) == 0 {
		return model.ReviewSession{}, "", fmt.Errorf("session %s not found", sessionID)
	}
	session, err := parseSessionRow(rows[0])
	if err != nil {
		return model.ReviewSession{}, "", err
	}
	return session, asString(rows[0]["policy_json"]), nil
}

// ActiveSessionForBranch enforces the one-active-session-per-branch ownership
// rule: at most one non-terminal session may exist for a branch.
func (s *SQLiteStore) ActiveSessionForBranch(branch string) (*model.ReviewSession, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, branch, base_ref, base_sha, head_sha, phase, iteration, created_at, updated_at, error_text, policy_json
FROM sessions WHERE branch=%s AND phase NOT IN ('merged','blocked','aborted') ORDER BY created_at DESC LIMIT 1;`,
		quote(branch),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	session, err := parseSessionRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(limit int) ([]model.ReviewSession, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(
		`SELECT session_id, branch, base_ref, base_sha, head_sha, phase, iteration, created_at, updated_at, error_text, policy_json
FROM sessions ORDER BY created_at DESC LIMIT %d;`,
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.ReviewSession, 0, len(rows))
	for _, row := range rows {
		session, err := parseSessionRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateSessionPhase(sessionID string, phase model.SessionPhase, iteration int, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE sessions
SET phase=%s, iteration=%d, updated_at=%s, error_text=%s
WHERE session_id=%s;`,
		quote(string(phase)), iteration, quote(time.Now().Format(time.RFC3339)), quote(errorText), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateSessionRange(sessionID string, baseSHA string, headSHA string) error {
	sql := fmt.Sprintf(
		`UPDATE sessions
SET base_sha=%s, head_sha=%s, updated_at=%s
WHERE session_id=%s;`,
		quote(baseSHA), quote(headSHA), quote(time.Now().Format(time.RFC3339)), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) SaveCheckpoint(checkpoint model.Checkpoint) error {
	sql := fmt.Sprintf(
		`INSERT OR REPLACE INTO checkpoints (session_id, branch, last_completed_step, iteration, updated_at)
VALUES (%s, %s, %s, %d, %s);`,
		quote(checkpoint.SessionID),
		quote(checkpoint.Branch),
		quote(string(checkpoint.LastCompletedStep)),
		checkpoint.Iteration,
		quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetCheckpoint(sessionID string) (*model.Checkpoint, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, branch, last_completed_step, iteration, updated_at FROM checkpoints WHERE session_id=%s;`,
		quote(sessionID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint updated_at: %w", err)
	}
	return &model.Checkpoint{
		SessionID:         asString(row["session_id"]),
		Branch:            asString(row["branch"]),
		LastCompletedStep: model.StepName(asString(row["last_completed_step"])),
		Iteration:         asInt(row["iteration"]),
		UpdatedAt:         updatedAt,
	}, nil
}

func (s *SQLiteStore) InsertComments(comments []model.Comment) error {
	var b strings.Builder
	for _, comment := range comments {
		b.WriteString(fmt.Sprintf(
			`INSERT OR IGNORE INTO comments
  (comment_id, session_id, file_path, start_line, end_line, body, rationale, source, classification, created_at, classified_at)
VALUES
  (%s, %s, %s, %d, %d, %s, %s, %s, %s, %s, %s);
`,
			quote(comment.ID),
			quote(comment.SessionID),
			quote(comment.FilePath),
			comment.StartLine,
			comment.EndLine,
			quote(comment.Body),
			quote(comment.Rationale),
			quote(string(comment.Source)),
			quote(string(comment.Classification)),
			quote(comment.CreatedAt.Format(time.RFC3339)),
			quote(formatTime(comment.ClassifiedAt)),
		))
	}
	if b.Len() == 0 {
		return nil
	}
	return s.execSQL(b.String())
}

func (s *SQLiteStore) UpdateCommentClassification(commentID string, classification model.Classification) error {
	sql := fmt.Sprintf(
		`UPDATE comments
SET classification=%s, classified_at=%s
WHERE comment_id=%s;`,
		quote(string(classification)), quote(time.Now().Format(time.RFC3339)), quote(commentID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetComment(commentID string) (model.Comment, error) {
	sql := fmt.Sprintf(
		`SELECT comment_id, session_id, file_path, start_line, end_line, body, rationale, source, classification, created_at, classified_at
FROM comments WHERE comment_id=%s;`,
		quote(commentID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.Comment{}, err
	}
	if len(rows) == 0 {
		return model.Comment{}, fmt.Errorf("comment %s not found", commentID)
	}
	return parseCommentRow(rows[0])
}

func (s *SQLiteStore) ListComments(sessionID string) ([]model.Comment, error) {
	sql := fmt.Sprintf(
		`SELECT comment_id, session_id, file_path, start_line, end_line, body, rationale, source, classification, created_at, classified_at
FROM comments WHERE session_id=%s ORDER BY created_at, comment_id;`,
		quote(sessionID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.Comment, 0, len(rows))
	for _, row := range rows {
		comment, err := parseCommentRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, comment)
	}
	return out, nil
}

func (s *SQLiteStore) ListCommentsByClassification(sessionID string, classification model.Classification) ([]model.Comment, error) {
	sql := fmt.Sprintf(
		`SELECT comment_id, session_id, file_path, start_line, end_line, body, rationale, source, classification, created_at, classified_at
FROM comments WHERE session_id=%s AND classification=%s ORDER BY created_at, comment_id;`,
		quote(sessionID), quote(string(classification)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.Comment, 0, len(rows))
	for _, row := range rows {
		comment, err := parseCommentRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, comment)
	}
	return out, nil
}

func (s *SQLiteStore) InsertVerdict(verdict model.Verdict) error {
	participants, err := json.Marshal(verdict.Participants)
	if err != nil {
		return fmt.Errorf("marshal verdict participants: %w", err)
	}
	createdAt := verdict.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	sql := fmt.Sprintf(
		`INSERT INTO verdicts (session_id, comment_id, outcome, participants_json, rounds, confidence, rationale, created_at)
VALUES (%s, %s, %s, %s, %d, %s, %s, %s);`,
		quote(verdict.SessionID),
		quote(verdict.CommentID),
		quote(string(verdict.Outcome)),
		quote(string(participants)),
		verdict.Rounds,
		quote(string(verdict.Confidence)),
		quote(verdict.Rationale),
		quote(createdAt.Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListVerdicts(sessionID string) ([]model.Verdict, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, comment_id, outcome, participants_json, rounds, confidence, rationale, created_at
FROM verdicts WHERE session_id=%s ORDER BY id;`,
		quote(sessionID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.Verdict, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse verdict created_at: %w", err)
		}
		participants := []string{}
		if raw := asString(row["participants_json"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &participants); err != nil {
				return nil, fmt.Errorf("parse verdict participants: %w", err)
			}
		}
		out = append(out, model.Verdict{
			SessionID:    asString(row["session_id"]),
			CommentID:    asString(row["comment_id"]),
			Outcome:      model.VerdictOutcome(asString(row["outcome"])),
			Participants: participants,
			Rounds:       asInt(row["rounds"]),
			Confidence:   model.Confidence(asString(row["confidence"])),
			Rationale:    asString(row["rationale"]),
			CreatedAt:    createdAt,
		})
	}
	return out, nil
}

// RecordReviewRequest stores the request ID posted for a head SHA. The
// (session_id, head_sha) primary key is what makes trigger idempotent.
func (s *SQLiteStore) RecordReviewRequest(request model.ReviewRequest) error {
	sql := fmt.Sprintf(
		`INSERT OR IGNORE INTO review_requests (session_id, head_sha, request_id, posted_at)
VALUES (%s, %s, %s, %s);`,
		quote(request.SessionID),
		quote(request.HeadSHA),
		quote(request.RequestID),
		quote(request.PostedAt.Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetReviewRequest(sessionID string, headSHA string) (*model.ReviewRequest, error) {
	sql := fmt.Sprintf(
		`SELECT session_id, head_sha, request_id, posted_at FROM review_requests WHERE session_id=%s AND head_sha=%s;`,
		quote(sessionID), quote(headSHA),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	postedAt, err := time.Parse(time.RFC3339, asString(row["posted_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse review request posted_at: %w", err)
	}
	return &model.ReviewRequest{
		SessionID: asString(row["session_id"]),
		HeadSHA:   asString(row["head_sha"]),
		RequestID: asString(row["request_id"]),
		PostedAt:  postedAt,
	}, nil
}

func (s *SQLiteStore) AddEvent(sessionID, entityType, entityID, eventType, fromState, toState, message string) error {
	sql := fmt.Sprintf(
		`INSERT INTO events
  (session_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at)
VALUES
  (%s, %s, %s, %s, %s, %s, %s, %s);`,
		quote(sessionID), quote(entityType), quote(entityID), quote(eventType), quote(fromState), quote(toState), quote(message), quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListEvents(sessionID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, session_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at
FROM events WHERE session_id=%s ORDER BY id DESC LIMIT %d;`,
		quote(sessionID), limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		out = append(out, model.Event{
			ID:         int64(asInt(row["id"])),
			SessionID:  asString(row["session_id"]),
			EntityType: asString(row["entity_type"]),
			EntityID:   asString(row["entity_id"]),
			EventType:  asString(row["event_type"]),
			FromState:  asString(row["from_state"]),
			ToState:    asString(row["to_state"]),
			Message:    asString(row["message"]),
			CreatedAt:  createdAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) execSQL(sql string) error {
	cmd := exec.Command(s.SQLitePath, s.DBPath, sql)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlite exec failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SQLiteStore) queryJSON(sql string) ([]map[string]any, error) {
	cmd := exec.Command(s.SQLitePath, "-json", s.DBPath, sql)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []map[string]any{}, nil
	}
	rows := []map[string]any{}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("parse sqlite json output: %w", err)
	}
	return rows, nil
}

func parseSessionRow(row map[string]any) (model.ReviewSession, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.ReviewSession{}, fmt.Errorf("parse session created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.ReviewSession{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	return model.ReviewSession{
		SessionID: asString(row["session_id"]),
		Branch:    asString(row["branch"]),
		BaseRef:   asString(row["base_ref"]),
		BaseSHA:   asString(row["base_sha"]),
		HeadSHA:   asString(row["head_sha"]),
		Phase:     model.SessionPhase(asString(row["phase"])),
		Iteration: asInt(row["iteration"]),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		ErrorText: asString(row["error_text"]),
	}, nil
}

func parseCommentRow(row map[string]any) (model.Comment, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.Comment{}, fmt.Errorf("parse comment created_at: %w", err)
	}
	return model.Comment{
		ID:             asString(row["comment_id"]),
		SessionID:      asString(row["session_id"]),
		FilePath:       asString(row["file_path"]),
		StartLine:      asInt(row["start_line"]),
		EndLine:        asInt(row["end_line"]),
		Body:           asString(row["body"]),
		Rationale:      asString(row["rationale"]),
		Source:         model.CommentSource(asString(row["source"])),
		Classification: model.Classification(asString(row["classification"])),
		CreatedAt:      createdAt,
		ClassifiedAt:   parseTimePtr(asString(row["classified_at"])),
	}, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		if typed {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch typed := v.(type) {
	case float64:
		return int(typed)
	case string:
		n, _ := strconv.Atoi(typed)
		return n
	case int:
		return typed
	default:
		return 0
	}
}

func parseTimePtr(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.Format(time.RFC3339)
}
