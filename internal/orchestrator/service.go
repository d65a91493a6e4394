package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"revflow/internal/arbiter"
	"revflow/internal/eventbus"
	"revflow/internal/fixer"
	"revflow/internal/gitops"
	"revflow/internal/hsm"
	"revflow/internal/model"
	"revflow/internal/policy"
	"revflow/internal/remote"
	"revflow/internal/review"
	"revflow/internal/store"
)

// VCS is everything the orchestrator needs from version control. gitops.Git
// implements it; tests substitute a fake.
type VCS interface {
	RevParse(ctx context.Context, ref string) (string, error)
	MergeBase(ctx context.Context, baseRef string, headRef string) (string, error)
	DiffNameOnly(ctx context.Context, baseSHA string, headSHA string) ([]string, error)
	CommitCount(ctx context.Context, baseSHA string, headSHA string) (int, error)
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string, paths []string) error
	Push(ctx context.Context, branch string) error
	ForcePush(ctx context.Context, branch string) error
	ResetSoft(ctx context.Context, ref string) error
	CreateRef(ctx context.Context, name string, target string) error
	DeleteRef(ctx context.Context, name string) error
	RefExists(ctx context.Context, name string) (bool, error)
	LastModified(ctx context.Context, path string, startLine int, endLine int) (time.Time, error)
}

type Service struct {
	store    *store.SQLiteStore
	cfg      policy.Config
	bus      *eventbus.Runtime
	vcs      VCS
	reviewer review.Reviewer
	remote   remote.Service
	judge    arbiter.Judge
	applier  fixer.Applier
	message  fixer.MessageFunc
}

// SessionInProgressError means another active session already owns the
// branch; exactly one session mutates a branch at a time.
type SessionInProgressError struct {
	Branch    string
	SessionID string
}

func (e *SessionInProgressError) Error() string {
	return fmt.Sprintf("branch %s already has active session %s", e.Branch, e.SessionID)
}

// BranchMutationInProgressError means a concurrent process holds the branch
// mutation lock.
type BranchMutationInProgressError struct {
	Branch   string
	LockPath string
	Holder   string
}

func (e *BranchMutationInProgressError) Error() string {
	base := fmt.Sprintf("branch %s mutation is already in progress", strings.TrimSpace(e.Branch))
	if strings.TrimSpace(e.LockPath) != "" {
		base += fmt.Sprintf(" (lock=%s)", strings.TrimSpace(e.LockPath))
	}
	if strings.TrimSpace(e.Holder) != "" {
		base += fmt.Sprintf("; holder=%s", strings.TrimSpace(e.Holder))
	}
	return base
}

// Deps are the pluggable boundaries of a session. Zero-value fields are
// filled in from policy-configured commands.
type Deps struct {
	VCS      VCS
	Reviewer review.Reviewer
	Remote   remote.Service
	Judge    arbiter.Judge
	Applier  fixer.Applier
	Message  fixer.MessageFunc
}

func NewService(dbPath string) (*Service, error) {
	return NewServiceAt(dbPath, "")
}

// NewServiceAt builds a service whose command-backed boundaries run in
// repoDir. Empty repoDir means the current directory.
func NewServiceAt(dbPath string, repoDir string) (*Service, error) {
	cfg, _, err := policy.Load("")
	if err != nil {
		cfg = policy.Default()
	}
	return NewServiceFor(dbPath, repoDir, cfg)
}

// NewServiceFor wires the policy-configured command boundaries around an
// explicit config.
func NewServiceFor(dbPath string, repoDir string, cfg policy.Config) (*Service, error) {
	git := gitops.New(repoDir)
	return NewServiceWithDeps(dbPath, cfg, Deps{
		VCS:      git,
		Reviewer: &review.CommandReviewer{Command: cfg.LocalGate.ReviewerCommand, Dir: repoDir},
		Remote: &remote.CommandService{
			TriggerCommand: cfg.Remote.TriggerCommand,
			ListCommand:    cfg.Remote.ListCommand,
			Dir:            repoDir,
		},
		Judge:   &arbiter.CommandJudge{Command: cfg.Arbiter.JudgeCommand, Dir: repoDir},
		Applier: &fixer.CommandApplier{Command: cfg.Fix.ApplyCommand, Dir: repoDir},
	})
}

func NewServiceWithDeps(dbPath string, cfg policy.Config, deps Deps) (*Service, error) {
	sqliteStore := store.NewSQLiteStore(dbPath)
	if err := sqliteStore.Init(); err != nil {
		return nil, err
	}
	busRuntime := eventbus.NewRuntime(sqliteStore, cfg)
	if err := busRuntime.Start(context.Background()); err != nil {
		return nil, err
	}
	service := &Service{
		store:    sqliteStore,
		cfg:      cfg,
		bus:      busRuntime,
		vcs:      deps.VCS,
		reviewer: deps.Reviewer,
		remote:   deps.Remote,
		judge:    deps.Judge,
		applier:  deps.Applier,
		message:  deps.Message,
	}
	if service.message == nil {
		service.message = fixer.DefaultMessage
	}
	return service, nil
}

func (s *Service) Store() *store.SQLiteStore { return s.store }

func (s *Service) Close() {
	s.bus.Stop()
}

// DrainEvents delivers queued bus messages.
func (s *Service) DrainEvents(ctx context.Context, limit int) (int, error) {
	return s.bus.ProcessOnce(ctx, limit)
}

func generateSessionID() string {
	return "rs-" + shortuuid.New()
}

func branchMutationLockPath(dbPath string, branch string) string {
	safe := strings.NewReplacer("/", "_", " ", "_").Replace(strings.TrimSpace(branch))
	return filepath.Join(filepath.Dir(dbPath), "locks", safe+".lock")
}

func (s *Service) acquireBranchMutationLock(branch string) (func(), error) {
	lockPath := branchMutationLockPath(s.store.DBPath, branch)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create mutation lock dir: %w", err)
	}
	payload := fmt.Sprintf("pid=%d branch=%s at=%s", os.Getpid(), strings.TrimSpace(branch), time.Now().Format(time.RFC3339))
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holderBytes, _ := os.ReadFile(lockPath)
			return nil, &BranchMutationInProgressError{
				Branch:   branch,
				LockPath: lockPath,
				Holder:   strings.TrimSpace(string(holderBytes)),
			}
		}
		return nil, fmt.Errorf("acquire mutation lock %s: %w", lockPath, err)
	}
	if _, err := lockFile.WriteString(payload + "\n"); err != nil {
		_ = lockFile.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("write mutation lock %s: %w", lockPath, err)
	}
	if err := lockFile.Close(); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("close mutation lock %s: %w", lockPath, err)
	}
	return func() { _ = os.Remove(lockPath) }, nil
}

type ReviewOptions struct {
	Branch  string
	BaseRef string
}

type ReviewResult struct {
	SessionID  string
	Outcome    model.SessionOutcome
	Phase      model.SessionPhase
	Iterations int
	LastStep   model.StepName
	Reason     string
	Unresolved []string
}

// Review runs a full session for the branch, from change tracking to the
// merge gate, and reports the terminal outcome.
func (s *Service) Review(ctx context.Context, options ReviewOptions) (ReviewResult, error) {
	branch := strings.TrimSpace(options.Branch)
	if branch == "" {
		return ReviewResult{}, fmt.Errorf("branch is required")
	}
	baseRef := strings.TrimSpace(options.BaseRef)
	if baseRef == "" {
		baseRef = s.cfg.Branch.BaseRef
	}

	release, err := s.acquireBranchMutationLock(branch)
	if err != nil {
		return ReviewResult{}, err
	}
	defer release()

	active, err := s.store.ActiveSessionForBranch(branch)
	if err != nil {
		return ReviewResult{}, err
	}
	if active != nil {
		return ReviewResult{}, &SessionInProgressError{Branch: branch, SessionID: active.SessionID}
	}

	session := model.ReviewSession{
		SessionID: generateSessionID(),
		Branch:    branch,
		BaseRef:   baseRef,
		Phase:     model.SessionPhaseIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	policyJSON, err := policy.Encode(s.cfg)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := s.store.CreateSession(session, policyJSON); err != nil {
		return ReviewResult{}, err
	}
	if err := s.store.AddEvent(session.SessionID, "session", session.SessionID, "created", "", string(session.Phase), "branch "+branch); err != nil {
		return ReviewResult{}, err
	}
	return s.drive(ctx, session, driveState{})
}

// Resume continues an interrupted session from its last checkpoint. The
// change range is re-derived rather than trusted from the checkpoint so a
// resumed session never acts on a stale diff.
func (s *Service) Resume(ctx context.Context, sessionID string) (ReviewResult, error) {
	session, _, err := s.store.GetSession(sessionID)
	if err != nil {
		return ReviewResult{}, err
	}
	if session.Phase.IsTerminal() {
		return ReviewResult{}, fmt.Errorf("session %s already terminal in phase %s", sessionID, session.Phase)
	}

	release, err := s.acquireBranchMutationLock(session.Branch)
	if err != nil {
		return ReviewResult{}, err
	}
	defer release()

	checkpoint, err := s.store.GetCheckpoint(sessionID)
	if err != nil {
		return ReviewResult{}, err
	}
	lastStep := model.StepName("")
	if checkpoint != nil {
		lastStep = checkpoint.LastCompletedStep
	}
	if err := s.store.AddEvent(sessionID, "session", sessionID, "resumed", string(session.Phase), string(session.Phase),
		fmt.Sprintf("last completed step %s, iteration %d", lastStep, session.Iteration)); err != nil {
		return ReviewResult{}, err
	}
	ds := driveState{resumed: true}
	// local_review reached from a completed poll step means the poll timed
	// out; the resumed gate must keep carrying the merge decision instead
	// of re-entering trigger/poll.
	if lastStep == model.StepPoll && session.Phase == model.SessionPhaseLocalReview {
		ds.fallback = true
	}
	return s.drive(ctx, session, ds)
}

// Abort force-terminates a session and records why.
func (s *Service) Abort(ctx context.Context, sessionID string, reason string) error {
	_ = ctx
	session, _, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Phase.IsTerminal() {
		return fmt.Errorf("session %s already terminal in phase %s", sessionID, session.Phase)
	}
	if !hsm.CanTransitionSession(session.Phase, model.SessionPhaseAborted) {
		return fmt.Errorf("illegal session transition %s -> %s", session.Phase, model.SessionPhaseAborted)
	}
	if err := s.store.UpdateSessionPhase(sessionID, model.SessionPhaseAborted, session.Iteration, reason); err != nil {
		return err
	}
	if err := s.store.AddEvent(sessionID, "session", sessionID, "transition", string(session.Phase), string(model.SessionPhaseAborted), reason); err != nil {
		return err
	}
	_, err = s.bus.Publish(model.TopicSessionEvents, sessionID, model.SessionEventPayload{
		SessionID: sessionID,
		Branch:    session.Branch,
		FromPhase: session.Phase,
		ToPhase:   model.SessionPhaseAborted,
		Iteration: session.Iteration,
		Message:   reason,
		At:        time.Now(),
	})
	return err
}
