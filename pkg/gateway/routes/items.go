package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/content"
)

type ItemReader interface {
	GetItem(ctx context.Context, id int64) (*content.Item, error)
	ListLogs(ctx context.Context, itemID int64) ([]content.PublicationLog, error)
}

// ItemsHandler exposes an item and its per-destination publication log to
// operators.
type ItemsHandler struct {
	store ItemReader
}

type ItemView struct {
	Item         *content.Item            `json:"item"`
	Publications []content.PublicationLog `json:"publications"`
}

func NewItemsHandler(store ItemReader) *ItemsHandler {
	return &ItemsHandler{store: store}
}

func (h *ItemsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/items/{id:[0-9]+}", h.handleGet).Methods(http.MethodGet)
}

func (h *ItemsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	item, err := h.store.GetItem(r.Context(), id)
	if errors.Is(err, content.ErrNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("item_id", id).Error("failed to load item")
		http.Error(w, "failed to load item", http.StatusInternalServerError)
		return
	}

	logs, err := h.store.ListLogs(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).WithField("item_id", id).Error("failed to load publication logs")
		http.Error(w, "failed to load publication logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []content.PublicationLog{}
	}

	respondJSON(w, http.StatusOK, ItemView{Item: item, Publications: logs})
}
