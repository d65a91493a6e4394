package store

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"revflow/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not available")
	}
	dbPath := filepath.Join(t.TempDir(), "revflow.db")
	s := NewSQLiteStore(dbPath)
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	session := model.ReviewSession{
		SessionID: "rs-test",
		Branch:    "feature/login",
		BaseRef:   "main",
		Phase:     model.SessionPhaseIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateSession(session, `{"version":1}`); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, policyJSON, err := s.GetSession("rs-test")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Branch != "feature/login" || got.BaseRef != "main" || got.Phase != model.SessionPhaseIdle {
		t.Fatalf("unexpected session read-back: %+v", got)
	}
	if policyJSON != `{"version":1}` {
		t.Fatalf("unexpected policy snapshot: %s", policyJSON)
	}

	active, err := s.ActiveSessionForBranch("feature/login")
	if err != nil {
		t.Fatalf("active session lookup: %v", err)
	}
	if active == nil || active.SessionID != "rs-test" {
		t.Fatalf("expected rs-test active, got %+v", active)
	}

	if err := s.UpdateSessionRange("rs-test", "base-sha", "head-sha"); err != nil {
		t.Fatalf("update range: %v", err)
	}
	if err := s.UpdateSessionPhase("rs-test", model.SessionPhaseLocalReview, 0, ""); err != nil {
		t.Fatalf("update phase: %v", err)
	}
	got, _, err = s.GetSession("rs-test")
	if err != nil {
		t.Fatalf("re-get session: %v", err)
	}
	if got.BaseSHA != "base-sha" || got.HeadSHA != "head-sha" || got.Phase != model.SessionPhaseLocalReview {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := s.SaveCheckpoint(model.Checkpoint{
		SessionID:         "rs-test",
		Branch:            "feature/login",
		LastCompletedStep: model.StepTrackChanges,
		Iteration:         0,
		UpdatedAt:         now,
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	checkpoint, err := s.GetCheckpoint("rs-test")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint == nil || checkpoint.LastCompletedStep != model.StepTrackChanges {
		t.Fatalf("unexpected checkpoint: %+v", checkpoint)
	}

	comments := []model.Comment{
		{
			ID:             "c-1",
			SessionID:      "rs-test",
			FilePath:       "internal/auth/login.go",
			StartLine:      10,
			EndLine:        14,
			Body:           "nil check missing on token",
			Source:         model.CommentSourceExternal,
			Classification: model.ClassificationUnclassified,
			CreatedAt:      now,
		},
		{
			ID:             "c-2",
			SessionID:      "rs-test",
			FilePath:       "internal/auth/session.go",
			StartLine:      3,
			EndLine:        3,
			Body:           "intentional, see module doc",
			Rationale:      "documented tradeoff",
			Source:         model.CommentSourceExternal,
			Classification: model.ClassificationUnclassified,
			CreatedAt:      now.Add(time.Second),
		},
	}
	if err := s.InsertComments(comments); err != nil {
		t.Fatalf("insert comments: %v", err)
	}
	// INSERT OR IGNORE makes re-insertion of the same IDs a no-op.
	if err := s.InsertComments(comments); err != nil {
		t.Fatalf("re-insert comments: %v", err)
	}
	listed, err := s.ListComments("rs-test")
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "c-1" || listed[1].ID != "c-2" {
		t.Fatalf("unexpected comment list: %+v", listed)
	}
	if listed[1].Rationale != "documented tradeoff" {
		t.Fatalf("rationale lost: %+v", listed[1])
	}

	if err := s.UpdateCommentClassification("c-2", model.ClassificationDisputed); err != nil {
		t.Fatalf("update classification: %v", err)
	}
	disputed, err := s.ListCommentsByClassification("rs-test", model.ClassificationDisputed)
	if err != nil {
		t.Fatalf("list disputed: %v", err)
	}
	if len(disputed) != 1 || disputed[0].ID != "c-2" {
		t.Fatalf("expected c-2 disputed, got %+v", disputed)
	}
	comment, err := s.GetComment("c-2")
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if comment.ClassifiedAt == nil {
		t.Fatal("classified_at not set on reclassification")
	}

	if err := s.InsertVerdict(model.Verdict{
		CommentID:    "c-2",
		SessionID:    "rs-test",
		Outcome:      model.VerdictDismissed,
		Participants: []string{"reviewer", "implementer"},
		Rounds:       2,
		Confidence:   model.ConfidenceHigh,
		Rationale:    "comment targets documented behavior",
		CreatedAt:    now,
	}); err != nil {
		t.Fatalf("insert verdict: %v", err)
	}
	verdicts, err := s.ListVerdicts("rs-test")
	if err != nil {
		t.Fatalf("list verdicts: %v", err)
	}
	if len(verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(verdicts))
	}
	if verdicts[0].Outcome != model.VerdictDismissed || len(verdicts[0].Participants) != 2 || verdicts[0].Rounds != 2 {
		t.Fatalf("unexpected verdict read-back: %+v", verdicts[0])
	}
	if !verdicts[0].HasEvidence() {
		t.Fatal("persisted verdict lost its evidence trail")
	}

	if err := s.AddEvent("rs-test", "session", "rs-test", "transition", "idle", "local_review", "gate start"); err != nil {
		t.Fatalf("add event: %v", err)
	}
	events, err := s.ListEvents("rs-test", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ToState != "local_review" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSQLiteStoreReviewRequestIdempotenceKey(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	request := model.ReviewRequest{
		SessionID: "rs-test",
		HeadSHA:   "head-1",
		RequestID: "req-1",
		PostedAt:  now,
	}
	if err := s.RecordReviewRequest(request); err != nil {
		t.Fatalf("record request: %v", err)
	}

	got, err := s.GetReviewRequest("rs-test", "head-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got == nil || got.RequestID != "req-1" {
		t.Fatalf("expected req-1, got %+v", got)
	}

	missing, err := s.GetReviewRequest("rs-test", "head-2")
	if err != nil {
		t.Fatalf("get missing request: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected no request for head-2, got %+v", missing)
	}
}

func TestSQLiteStoreOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueOutbox(model.OutboxMessage{
		MessageID:   "rmsg-1",
		Topic:       model.TopicSessionEvents,
		MessageKey:  "rs-test",
		PayloadJSON: `{"session_id":"rs-test"}`,
		Status:      model.OutboxStatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimOutboxPending(10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].MessageID != "rmsg-1" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	// A second claim must not hand out the same message.
	again, err := s.ClaimOutboxPending(10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("message claimed twice: %+v", again)
	}

	if err := s.MarkOutboxSent("rmsg-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	sent, err := s.ListOutboxByStatus(model.OutboxStatusSent, 10)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 1 || sent[0].SentAt == nil {
		t.Fatalf("unexpected sent list: %+v", sent)
	}
}
