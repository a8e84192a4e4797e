package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/content"
)

type stubItems struct{}

func (stubItems) GetItem(ctx context.Context, id int64) (*content.Item, error) {
	if id != 1 {
		return nil, content.ErrNotFound
	}
	return &content.Item{ID: 1, Status: content.StatusPublished}, nil
}

func (stubItems) ListLogs(ctx context.Context, itemID int64) ([]content.PublicationLog, error) {
	return []content.PublicationLog{{ItemID: 1, DestinationID: 5, Status: content.PublicationSuccess}}, nil
}

func testConfig() *config.Config {
	return &config.Config{APIRateLimitRPS: 100, APIRateLimitBurst: 100}
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	logger.Silence()
	healthy := NewServiceRouter(testConfig(), ReadinessCheck{Name: "db", Check: func(context.Context) error { return nil }})
	if rec := serve(healthy, http.MethodGet, "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	broken := NewServiceRouter(testConfig(), ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("refused") }})
	rec := serve(broken, http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Failing map[string]string `json:"failing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Failing["redis"] != "refused" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := serve(broken, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health should not depend on readiness, got %d", rec.Code)
	}
}

func TestItemView(t *testing.T) {
	logger.Silence()
	router := NewServiceRouter(testConfig())
	NewItemsHandler(stubItems{}).Register(router)

	rec := serve(router, http.MethodGet, "/api/v1/items/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view ItemView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Item.Status != content.StatusPublished || len(view.Publications) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}

	if rec := serve(router, http.MethodGet, "/api/v1/items/2"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
