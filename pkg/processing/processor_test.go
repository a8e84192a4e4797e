package processing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/idempotency"
	"github.com/robopost/platform/pkg/retry"
)

type memoryStore struct {
	mu           sync.Mutex
	items        map[string]*content.Item
	nextID       int64
	destinations map[int64][]content.Assignment
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		items: make(map[string]*content.Item),
		destinations: map[int64][]content.Assignment{
			1: {
				{DestinationID: 5, Platform: content.PlatformTelegram},
				{DestinationID: 7, Platform: content.PlatformWordPress},
			},
		},
	}
}

func (s *memoryStore) FindItemByURL(ctx context.Context, url string) (*content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[url]
	if !ok {
		return nil, content.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *memoryStore) ResolveDestinations(ctx context.Context, sourceID int64) ([]content.Assignment, error) {
	return append([]content.Assignment(nil), s.destinations[sourceID]...), nil
}

func (s *memoryStore) CreateItem(ctx context.Context, item *content.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.OriginalURL]; ok {
		return content.ErrDuplicateURL
	}
	s.nextID++
	item.ID = s.nextID
	item.CreatedAt = time.Now()
	copied := *item
	s.items[item.OriginalURL] = &copied
	return nil
}

type stubExtractor struct {
	content *models.Content
	err     error
	calls   int
}

func (e *stubExtractor) Extract(ctx context.Context, url string) (*models.Content, error) {
	e.calls++
	return e.content, e.err
}

type recordingPublisher struct {
	fail     int
	payloads []models.PendingApproval
}

func (p *recordingPublisher) Publish(ctx context.Context, msgType, key string, payload interface{}) (string, error) {
	if p.fail > 0 {
		p.fail--
		return "", errors.New("broker unavailable")
	}
	p.payloads = append(p.payloads, payload.(models.PendingApproval))
	return "id", nil
}

func newLinkEnvelope(t *testing.T, url string, sourceID int64) models.Envelope {
	t.Helper()
	payload, err := json.Marshal(models.NewLink{URL: url, SourceID: sourceID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return models.Envelope{ID: "m", Type: models.TypeNewLink, Payload: payload}
}

type fixture struct {
	store     *memoryStore
	extractor *stubExtractor
	publisher *recordingPublisher
	processor *Processor
}

func newFixture() *fixture {
	logger.Silence()
	f := &fixture{
		store:     newMemoryStore(),
		extractor: &stubExtractor{content: &models.Content{Title: "Title", Body: "Body"}},
		publisher: &recordingPublisher{},
	}
	f.processor = NewProcessor(f.store, f.extractor, idempotency.NewMemory(), f.publisher, Options{ExtractTimeout: time.Second})
	return f
}

func TestSameURLTwiceCreatesOneItem(t *testing.T) {
	f := newFixture()
	env := newLinkEnvelope(t, "https://example.com/a", 1)

	if err := f.processor.Handle(context.Background(), env); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	err := f.processor.Handle(context.Background(), env)
	if !faults.IsDuplicate(err) {
		t.Fatalf("expected duplicate on second delivery, got %v", err)
	}

	if len(f.store.items) != 1 {
		t.Fatalf("expected exactly one item, got %d", len(f.store.items))
	}
	if f.extractor.calls != 1 {
		t.Fatalf("expected a single extraction, got %d", f.extractor.calls)
	}
	if len(f.publisher.payloads) != 1 {
		t.Fatalf("expected one approval event, got %d", len(f.publisher.payloads))
	}

	item := f.store.items["https://example.com/a"]
	if item.Status != content.StatusPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", item.Status)
	}
	ids := item.DestinationIDs()
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 7 {
		t.Fatalf("expected destinations [5 7], got %v", ids)
	}
	if f.publisher.payloads[0].ItemID != item.ID {
		t.Fatalf("expected event for item %d, got %+v", item.ID, f.publisher.payloads[0])
	}
}

func TestNoUsableContentIsAcknowledged(t *testing.T) {
	f := newFixture()
	f.extractor.content = nil
	env := newLinkEnvelope(t, "https://example.com/empty", 1)

	if err := f.processor.Handle(context.Background(), env); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(f.store.items) != 0 || len(f.publisher.payloads) != 0 {
		t.Fatal("expected no item and no event")
	}

	// The claim is released, so a later submission is processed afresh.
	f.extractor.content = &models.Content{Title: "Now", Body: "available"}
	if err := f.processor.Handle(context.Background(), env); err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if len(f.store.items) != 1 {
		t.Fatalf("expected item after resubmission, got %d", len(f.store.items))
	}
}

func TestNoDestinationsSavesItemWithoutEvent(t *testing.T) {
	f := newFixture()
	env := newLinkEnvelope(t, "https://example.com/orphan", 42)

	if err := f.processor.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.store.items) != 1 {
		t.Fatalf("expected item to be saved, got %d", len(f.store.items))
	}
	if len(f.publisher.payloads) != 0 {
		t.Fatalf("expected no approval event, got %d", len(f.publisher.payloads))
	}
}

func TestEmitFailureIsResumedOnRedelivery(t *testing.T) {
	f := newFixture()
	f.publisher.fail = 1
	env := newLinkEnvelope(t, "https://example.com/b", 1)

	err := f.processor.Handle(context.Background(), env)
	if err == nil || !faults.IsRetryable(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	if err := f.processor.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.store.items) != 1 {
		t.Fatalf("expected one item, got %d", len(f.store.items))
	}
	if len(f.publisher.payloads) != 1 {
		t.Fatalf("expected approval event after resume, got %d", len(f.publisher.payloads))
	}
	if f.extractor.calls != 1 {
		t.Fatalf("expected no second extraction, got %d", f.extractor.calls)
	}

	if err := f.processor.Handle(context.Background(), env); !faults.IsDuplicate(err) {
		t.Fatalf("expected duplicate once confirmed, got %v", err)
	}
}

func TestExtractorFailureIsTransient(t *testing.T) {
	f := newFixture()
	f.extractor.content = nil
	f.extractor.err = errors.New("connection reset")

	err := f.processor.Handle(context.Background(), newLinkEnvelope(t, "https://example.com/c", 1))
	if !faults.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(f.store.items) != 0 {
		t.Fatal("expected no item")
	}
}

func TestMalformedMessageIsPermanent(t *testing.T) {
	f := newFixture()

	err := f.processor.Handle(context.Background(), models.Envelope{Payload: json.RawMessage(`{"url": 5}`)})
	if !faults.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	err = f.processor.Handle(context.Background(), newLinkEnvelope(t, "  ", 1))
	if !faults.IsPermanent(err) {
		t.Fatalf("expected permanent error for empty url, got %v", err)
	}
}

type slowExtractor struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (e *slowExtractor) Extract(ctx context.Context, url string) (*models.Content, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	time.Sleep(e.delay)
	return &models.Content{Title: "Title", Body: "Body"}, nil
}

func TestConcurrentDuplicateIsAbsorbedNotDeadLettered(t *testing.T) {
	logger.Silence()
	store := newMemoryStore()
	extractor := &slowExtractor{delay: 200 * time.Millisecond}
	publisher := &recordingPublisher{}
	p := NewProcessor(store, extractor, idempotency.NewMemory(), publisher, Options{
		ExtractTimeout: time.Second,
		ClaimLease:     300 * time.Millisecond,
	})
	env := newLinkEnvelope(t, "https://example.com/a", 1)
	policy := retry.Policy{MaxAttempts: 3, MaxDelay: time.Second}

	errs := make(chan error, 2)
	run := func() {
		errs <- policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
			return p.Handle(ctx, env)
		})
	}
	go run()
	time.Sleep(10 * time.Millisecond)
	go run()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && !faults.IsDuplicate(err) {
			t.Fatalf("message %d: expected success or duplicate, got %v", i, err)
		}
	}
	if len(store.items) != 1 || extractor.calls != 1 {
		t.Fatalf("expected one item from one extraction, got %d items and %d extractions", len(store.items), extractor.calls)
	}
}
