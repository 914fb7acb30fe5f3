package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/services"
)

// maxWebhookBody bounds how much of a notification body is read.
// Providers send small payloads; anything larger is truncated, not rejected.
const maxWebhookBody = 1 << 20

// WebhooksHandler receives provider change notifications.
//
// Every request is answered 200 regardless of outcome: providers disable
// endpoints that keep failing, and a lost notification is recovered by the
// nightly full sweep anyway. Failures are logged for operators instead.
type WebhooksHandler struct {
	webhookService services.WebhookService
	logger         *zap.Logger
}

// NewWebhooksHandler creates a new webhooks handler.
func NewWebhooksHandler(webhookService services.WebhookService, logger *zap.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		webhookService: webhookService,
		logger:         logger,
	}
}

// RegisterRoutes registers the webhook ingress routes on the given mux.
// Both GET and POST are accepted; some providers verify endpoints with a GET
// before delivering.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{dataSourceID}", h.Receive)
	mux.HandleFunc("GET /webhooks/{dataSourceID}", h.Receive)
}

// Receive handles one webhook delivery.
func (h *WebhooksHandler) Receive(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}()

	dataSourceID, err := uuid.Parse(r.PathValue("dataSourceID"))
	if err != nil {
		h.logger.Warn("webhook for unparseable data source id",
			zap.String("path_value", r.PathValue("dataSourceID")))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		return
	}

	if err := h.webhookService.ProcessNotification(r.Context(), dataSourceID, body); err != nil {
		h.logger.Error("failed to process webhook",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
	}
}
