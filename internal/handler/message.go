package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/pushflow/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// MessageHistory reads back the message log.
type MessageHistory interface {
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Message, error)
}

type MessageHandler struct {
	messages MessageHistory
	logger   *slog.Logger
}

func NewMessageHandler(messages MessageHistory, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

// ListByDevice handles GET /devices/{deviceId}/messages
func (h *MessageHandler) ListByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer.")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messages.ListByDevice(r.Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("list messages", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages.")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}
