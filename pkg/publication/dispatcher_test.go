package publication

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
	"github.com/robopost/platform/pkg/ratelimit"
	"github.com/robopost/platform/pkg/retry"
)

type logKey struct{ item, dest int64 }

type memoryStore struct {
	mu           sync.Mutex
	items        map[int64]*content.Item
	destinations map[int64]*content.Destination
	logs         map[logKey]*content.PublicationLog
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		items: map[int64]*content.Item{
			1: {
				ID:          1,
				OriginalURL: "https://example.com/a",
				Status:      content.StatusApproved,
				Title:       "Title",
				Body:        "Body",
				Assignments: []content.Assignment{
					{DestinationID: 5, Platform: content.PlatformTelegram, Decision: models.DecisionApprove},
					{DestinationID: 7, Platform: content.PlatformWordPress, Decision: models.DecisionApprove},
				},
			},
		},
		destinations: map[int64]*content.Destination{
			5: {ID: 5, Platform: content.PlatformTelegram, Credentials: map[string]interface{}{"bot_token": "t", "channel_id": "@news"}},
			7: {ID: 7, Platform: content.PlatformWordPress, Credentials: map[string]interface{}{"site_url": "https://wp.example", "username": "u", "application_password": "p"}},
			9: {ID: 9, Platform: content.PlatformInstagram, Credentials: map[string]interface{}{}},
		},
		logs: make(map[logKey]*content.PublicationLog),
	}
}

func (s *memoryStore) HasSuccess(ctx context.Context, itemID, destinationID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logKey{itemID, destinationID}]
	return ok && l.Status == content.PublicationSuccess, nil
}

func (s *memoryStore) GetItem(ctx context.Context, id int64) (*content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *memoryStore) GetDestination(ctx context.Context, id int64) (*content.Destination, error) {
	dest, ok := s.destinations[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	return dest, nil
}

// UpsertLog follows the repository: SUCCESS is terminal and every FAILED
// write bumps the retry count.
func (s *memoryStore) UpsertLog(ctx context.Context, entry *content.PublicationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := logKey{entry.ItemID, entry.DestinationID}
	existing, ok := s.logs[key]
	if ok && existing.Status == content.PublicationSuccess {
		return nil
	}
	copied := *entry
	if ok {
		copied.RetryCount = existing.RetryCount
	}
	if entry.Status == content.PublicationFailed {
		copied.RetryCount++
	}
	s.logs[key] = &copied
	return nil
}

func (s *memoryStore) MarkPublishedIfComplete(ctx context.Context, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[itemID]
	if item.Status != content.StatusApproved {
		return false, nil
	}
	for _, id := range item.ApprovedDestinations() {
		l, ok := s.logs[logKey{itemID, id}]
		if !ok || l.Status != content.PublicationSuccess {
			return false, nil
		}
	}
	item.Status = content.StatusPublished
	return true, nil
}

type stubDeliverer struct {
	mu    sync.Mutex
	fail  map[content.Platform]error
	calls map[content.Platform]int
}

func newStubDeliverer() *stubDeliverer {
	return &stubDeliverer{fail: make(map[content.Platform]error), calls: make(map[content.Platform]int)}
}

func (d *stubDeliverer) Deliver(ctx context.Context, target Target, post Post) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[target.Platform()]++
	if err := d.fail[target.Platform()]; err != nil {
		return "", err
	}
	return "delivery-1", nil
}

func publishEnvelope(t *testing.T, itemID, destinationID int64) models.Envelope {
	t.Helper()
	payload, err := json.Marshal(models.PublishRequest{ItemID: itemID, DestinationID: destinationID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return models.Envelope{ID: "m", Type: models.TypePublishRequest, Payload: payload}
}

func newTestDispatcher(store *memoryStore, deliverer Deliverer) *Dispatcher {
	logger.Silence()
	return NewDispatcher(store, deliverer, ratelimit.NewMemory(time.Minute), idempotency.NewMemory(), Options{
		DeliveryTimeout:  time.Second,
		DefaultPerMinute: 20,
	})
}

func TestPublishIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	d := newTestDispatcher(store, deliverer)
	env := publishEnvelope(t, 1, 5)

	if err := d.Handle(context.Background(), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := d.Handle(context.Background(), env); !faults.IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if deliverer.calls[content.PlatformTelegram] != 1 {
		t.Fatalf("expected one delivery, got %d", deliverer.calls[content.PlatformTelegram])
	}

	l := store.logs[logKey{1, 5}]
	if l.Status != content.PublicationSuccess || l.DeliveryID != "delivery-1" || l.Platform != content.PlatformTelegram {
		t.Fatalf("unexpected log %+v", l)
	}
}

func TestDestinationsAreIndependent(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	deliverer.fail[content.PlatformWordPress] = errors.New("connection refused")
	d := newTestDispatcher(store, deliverer)

	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 5)); err != nil {
		t.Fatalf("telegram: %v", err)
	}
	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 7)); !faults.IsRetryable(err) {
		t.Fatalf("expected transient wordpress failure, got %v", err)
	}

	if store.logs[logKey{1, 5}].Status != content.PublicationSuccess {
		t.Fatal("telegram delivery should be logged as SUCCESS")
	}
	if store.logs[logKey{1, 7}].Status != content.PublicationFailed {
		t.Fatal("wordpress delivery should be logged as FAILED")
	}
	if store.items[1].Status != content.StatusApproved {
		t.Fatalf("item must not be PUBLISHED yet, got %s", store.items[1].Status)
	}

	delete(deliverer.fail, content.PlatformWordPress)
	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 7)); err != nil {
		t.Fatalf("wordpress retry: %v", err)
	}
	l := store.logs[logKey{1, 7}]
	if l.Status != content.PublicationSuccess || l.RetryCount != 1 {
		t.Fatalf("expected SUCCESS keeping retry_count 1, got %+v", l)
	}
	if store.items[1].Status != content.StatusPublished {
		t.Fatalf("expected PUBLISHED, got %s", store.items[1].Status)
	}
}

func TestRetryExhaustionCountsEveryAttempt(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	deliverer.fail[content.PlatformTelegram] = errors.New("bad gateway")
	d := newTestDispatcher(store, deliverer)
	env := publishEnvelope(t, 1, 5)

	policy := retry.Policy{MaxAttempts: 3}
	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return d.Handle(ctx, env)
	})
	if !faults.IsPermanent(err) || !retry.IsExhausted(err) {
		t.Fatalf("expected permanent exhaustion, got %v", err)
	}
	if deliverer.calls[content.PlatformTelegram] != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", deliverer.calls[content.PlatformTelegram])
	}
	if len(store.logs) != 1 {
		t.Fatalf("expected a single log row, got %d", len(store.logs))
	}
	l := store.logs[logKey{1, 5}]
	if l.Status != content.PublicationFailed || l.RetryCount != 3 || l.LastError == "" {
		t.Fatalf("unexpected log %+v", l)
	}
}

func TestPermanentDeliveryFailureIsNotRetried(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	deliverer.fail[content.PlatformTelegram] = faults.Permanent(errors.New("chat not found"))
	d := newTestDispatcher(store, deliverer)

	policy := retry.Policy{MaxAttempts: 3}
	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return d.Handle(ctx, publishEnvelope(t, 1, 5))
	})
	if !faults.IsPermanent(err) || retry.IsExhausted(err) {
		t.Fatalf("expected immediate permanent failure, got %v", err)
	}
	if deliverer.calls[content.PlatformTelegram] != 1 {
		t.Fatalf("expected a single attempt, got %d", deliverer.calls[content.PlatformTelegram])
	}
}

func TestUnknownOrUnsupportedDestinationIsPermanent(t *testing.T) {
	store := newMemoryStore()
	store.items[1].Assignments = append(store.items[1].Assignments,
		content.Assignment{DestinationID: 9, Platform: content.PlatformInstagram, Decision: models.DecisionApprove})
	deliverer := newStubDeliverer()
	d := newTestDispatcher(store, deliverer)

	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 9)); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent for unsupported platform, got %v", err)
	}
	if l := store.logs[logKey{1, 9}]; l == nil || l.Status != content.PublicationFailed {
		t.Fatalf("expected FAILED log, got %+v", l)
	}
	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 404)); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent for missing destination, got %v", err)
	}
	if err := d.Handle(context.Background(), publishEnvelope(t, 404, 5)); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent for missing item, got %v", err)
	}
	if len(deliverer.calls) != 0 {
		t.Fatalf("expected no deliveries, got %v", deliverer.calls)
	}
}

func TestUnapprovedDestinationIsNotDelivered(t *testing.T) {
	store := newMemoryStore()
	store.items[1].Assignments[0].Decision = ""
	deliverer := newStubDeliverer()
	d := newTestDispatcher(store, deliverer)

	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 5)); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
	if deliverer.calls[content.PlatformTelegram] != 0 {
		t.Fatal("unapproved destination must not be delivered")
	}
}

func TestCompletedClaimRepairsMissingLog(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	claims := idempotency.NewMemory()
	d := NewDispatcher(store, deliverer, ratelimit.NewMemory(time.Minute), claims, Options{DefaultPerMinute: 20})
	logger.Silence()

	claim, _, err := claims.Begin(context.Background(), idempotency.PublicationKey(1, 5), time.Minute)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := claims.Complete(context.Background(), claim); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 5)); !faults.IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if deliverer.calls[content.PlatformTelegram] != 0 {
		t.Fatal("expected no redelivery")
	}
	if l := store.logs[logKey{1, 5}]; l == nil || l.Status != content.PublicationSuccess {
		t.Fatalf("expected repaired SUCCESS log, got %+v", l)
	}
}

func TestRepairedLogCompletesItem(t *testing.T) {
	store := newMemoryStore()
	store.logs[logKey{1, 7}] = &content.PublicationLog{ItemID: 1, DestinationID: 7, Status: content.PublicationSuccess}
	claims := idempotency.NewMemory()
	d := NewDispatcher(store, newStubDeliverer(), ratelimit.NewMemory(time.Minute), claims, Options{DefaultPerMinute: 20})
	logger.Silence()

	claim, _, _ := claims.Begin(context.Background(), idempotency.PublicationKey(1, 5), time.Minute)
	claims.Complete(context.Background(), claim)

	if err := d.Handle(context.Background(), publishEnvelope(t, 1, 5)); !faults.IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if store.items[1].Status != content.StatusPublished {
		t.Fatalf("expected PUBLISHED after repair, got %s", store.items[1].Status)
	}
}

// slowFirstLimiter holds the first caller for delay and admits the rest at once.
type slowFirstLimiter struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (l *slowFirstLimiter) Acquire(ctx context.Context, key string, limit int) (time.Duration, error) {
	l.mu.Lock()
	l.calls++
	first := l.calls == 1
	l.mu.Unlock()
	if !first {
		return 0, nil
	}
	select {
	case <-time.After(l.delay):
		return l.delay, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestRateLimitWaitCannotOutliveClaim(t *testing.T) {
	logger.Silence()
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	d := NewDispatcher(store, deliverer, &slowFirstLimiter{delay: 300 * time.Millisecond}, idempotency.NewMemory(), Options{
		DeliveryTimeout:  time.Second,
		DefaultPerMinute: 20,
		ClaimLease:       100 * time.Millisecond,
	})
	env := publishEnvelope(t, 1, 5)

	errs := make(chan error, 2)
	go func() { errs <- d.Handle(context.Background(), env) }()
	time.Sleep(150 * time.Millisecond)
	go func() { errs <- d.Handle(context.Background(), env) }()

	var duplicates int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
		case faults.IsDuplicate(err):
			duplicates++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if duplicates != 1 {
		t.Fatalf("expected one duplicate, got %d", duplicates)
	}
	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if deliverer.calls[content.PlatformTelegram] != 1 {
		t.Fatalf("expected exactly one delivery, got %d", deliverer.calls[content.PlatformTelegram])
	}
}

func TestInProgressPublicationWaitsForHolderLease(t *testing.T) {
	store := newMemoryStore()
	deliverer := newStubDeliverer()
	claims := idempotency.NewMemory()
	d := NewDispatcher(store, deliverer, ratelimit.NewMemory(time.Minute), claims, Options{DefaultPerMinute: 20})
	logger.Silence()

	if _, _, err := claims.Begin(context.Background(), idempotency.PublicationKey(1, 5), 30*time.Second); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := d.Handle(context.Background(), publishEnvelope(t, 1, 5))
	if !faults.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	hint, ok := faults.RetryAfterHint(err)
	if !ok || hint <= 20*time.Second || hint > 30*time.Second {
		t.Fatalf("expected a wait close to the holder's lease, got %v %v", hint, ok)
	}
	if deliverer.calls[content.PlatformTelegram] != 0 {
		t.Fatal("must not deliver while another worker holds the claim")
	}
	if _, ok := store.logs[logKey{1, 5}]; ok {
		t.Fatal("an in-progress duplicate must not write a log row")
	}
}
