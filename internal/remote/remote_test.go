package remote

import (
	"context"
	"testing"
	"time"

	"revflow/internal/model"
)

type fakeService struct {
	posted      []string
	listBatches [][]model.Comment
	listCalls   int
}

func (s *fakeService) PostReviewRequest(_ context.Context, _ string, headSHA string, _ string) error {
	s.posted = append(s.posted, headSHA)
	return nil
}

func (s *fakeService) ListComments(_ context.Context, _ string, _ string) ([]model.Comment, error) {
	var out []model.Comment
	if s.listCalls < len(s.listBatches) {
		out = s.listBatches[s.listCalls]
	}
	s.listCalls++
	return out, nil
}

type memoryRequestStore struct {
	requests map[string]model.ReviewRequest
}

func newMemoryRequestStore() *memoryRequestStore {
	return &memoryRequestStore{requests: map[string]model.ReviewRequest{}}
}

func (s *memoryRequestStore) RecordReviewRequest(request model.ReviewRequest) error {
	key := request.SessionID + "|" + request.HeadSHA
	if _, ok := s.requests[key]; !ok {
		s.requests[key] = request
	}
	return nil
}

func (s *memoryRequestStore) GetReviewRequest(sessionID string, headSHA string) (*model.ReviewRequest, error) {
	request, ok := s.requests[sessionID+"|"+headSHA]
	if !ok {
		return nil, nil
	}
	return &request, nil
}

func TestTriggerPostsOncePerHead(t *testing.T) {
	service := &fakeService{}
	poller := &Poller{Service: service, Store: newMemoryRequestStore()}

	requestID, posted, err := poller.Trigger(context.Background(), "rs-1", "abc123")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !posted {
		t.Errorf("expected first trigger to post")
	}
	if requestID == "" {
		t.Errorf("expected a request ID")
	}

	again, posted, err := poller.Trigger(context.Background(), "rs-1", "abc123")
	if err != nil {
		t.Fatalf("Trigger retry: %v", err)
	}
	if posted {
		t.Errorf("expected retried trigger to reuse the recorded request")
	}
	if again != requestID {
		t.Errorf("expected request ID %q, got %q", requestID, again)
	}
	if len(service.posted) != 1 {
		t.Fatalf("expected 1 posted request, got %d", len(service.posted))
	}
}

func TestTriggerNewHeadPostsAgain(t *testing.T) {
	service := &fakeService{}
	poller := &Poller{Service: service, Store: newMemoryRequestStore()}

	if _, _, err := poller.Trigger(context.Background(), "rs-1", "abc123"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, posted, err := poller.Trigger(context.Background(), "rs-1", "def456"); err != nil || !posted {
		t.Fatalf("expected new head to post, posted=%v err=%v", posted, err)
	}
	if len(service.posted) != 2 {
		t.Fatalf("expected 2 posted requests, got %d", len(service.posted))
	}
}

func TestPollReturnsCommentsWhenAvailable(t *testing.T) {
	service := &fakeService{listBatches: [][]model.Comment{
		nil,
		{{ID: "rc-1", Body: "nil deref", Source: model.CommentSourceExternal}},
	}}
	poller := &Poller{
		Service:  service,
		Store:    newMemoryRequestStore(),
		Interval: time.Millisecond,
		Deadline: time.Second,
	}

	result, err := poller.Poll(context.Background(), "rs-1", "abc123")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.TimedOut {
		t.Errorf("did not expect a timeout")
	}
	if len(result.Comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(result.Comments))
	}
	if result.Polls != 2 {
		t.Errorf("expected 2 polls, got %d", result.Polls)
	}
}

func TestPollTimesOutWithoutComments(t *testing.T) {
	service := &fakeService{}
	poller := &Poller{
		Service:  service,
		Store:    newMemoryRequestStore(),
		Interval: time.Millisecond,
		Deadline: 10 * time.Millisecond,
	}

	result, err := poller.Poll(context.Background(), "rs-1", "abc123")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.TimedOut {
		t.Errorf("expected a timeout")
	}
	if len(result.Comments) != 0 {
		t.Errorf("expected no comments, got %d", len(result.Comments))
	}
	if result.Polls < 2 {
		t.Errorf("expected repeated polls before the deadline, got %d", result.Polls)
	}
}

func TestPollHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	poller := &Poller{
		Service:  &fakeService{},
		Store:    newMemoryRequestStore(),
		Interval: time.Millisecond,
		Deadline: time.Second,
	}
	if _, err := poller.Poll(ctx, "rs-1", "abc123"); err == nil {
		t.Fatalf("expected context error")
	}
}
