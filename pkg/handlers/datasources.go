package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/services"
)

// DataSourceResponse is the wire shape of a data source. Config is only
// populated on single-source reads; list views never carry credentials.
type DataSourceResponse struct {
	ID              string                  `json:"id"`
	OrganisationID  string                  `json:"organisation_id"`
	Name            string                  `json:"name"`
	ProviderType    string                  `json:"provider_type"`
	Config          map[string]any          `json:"config,omitempty"`
	Columns         []models.ColumnDef      `json:"columns,omitempty"`
	Geocoding       *models.GeocodingConfig `json:"geocoding,omitempty"`
	EnrichmentRules []models.EnrichmentRule `json:"enrichment_rules,omitempty"`
	AutoImport      bool                    `json:"auto_import"`
	AutoEnrich      bool                    `json:"auto_enrich"`
	RecordCount     int                     `json:"record_count"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at"`
}

// ListDataSourcesResponse wraps the array for client compatibility.
type ListDataSourcesResponse struct {
	DataSources []DataSourceResponse `json:"data_sources"`
}

// CreateDataSourceRequest for POST body.
type CreateDataSourceRequest struct {
	OrganisationID  string                  `json:"organisation_id"`
	Name            string                  `json:"name"`
	ProviderType    string                  `json:"provider_type"`
	Config          map[string]any          `json:"config"`
	Geocoding       *models.GeocodingConfig `json:"geocoding,omitempty"`
	EnrichmentRules []models.EnrichmentRule `json:"enrichment_rules,omitempty"`
	AutoImport      bool                    `json:"auto_import"`
	AutoEnrich      bool                    `json:"auto_enrich"`
}

// UpdateDataSourceRequest for PUT body. A nil Config keeps the stored
// credentials.
type UpdateDataSourceRequest struct {
	Name            string                  `json:"name"`
	ProviderType    string                  `json:"provider_type"`
	Config          map[string]any          `json:"config,omitempty"`
	Geocoding       *models.GeocodingConfig `json:"geocoding,omitempty"`
	EnrichmentRules []models.EnrichmentRule `json:"enrichment_rules,omitempty"`
	AutoImport      bool                    `json:"auto_import"`
	AutoEnrich      bool                    `json:"auto_enrich"`
}

// DataSourcesHandler handles data source HTTP requests.
type DataSourcesHandler struct {
	dataSourceService services.DataSourceService
	webhookService    services.WebhookService
	logger            *zap.Logger
}

// NewDataSourcesHandler creates a new data sources handler.
func NewDataSourcesHandler(dataSourceService services.DataSourceService, webhookService services.WebhookService, logger *zap.Logger) *DataSourcesHandler {
	return &DataSourcesHandler{
		dataSourceService: dataSourceService,
		webhookService:    webhookService,
		logger:            logger,
	}
}

// RegisterRoutes registers the data source routes on the given mux.
func (h *DataSourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/data-sources", h.List)
	mux.HandleFunc("POST /api/data-sources", h.Create)
	mux.HandleFunc("GET /api/data-sources/{id}", h.Get)
	mux.HandleFunc("PUT /api/data-sources/{id}", h.Update)
	mux.HandleFunc("DELETE /api/data-sources/{id}", h.Delete)
	mux.HandleFunc("POST /api/data-sources/{id}/sync", h.Sync)
	mux.HandleFunc("POST /api/data-sources/{id}/webhook", h.RegisterWebhook)
}

func toResponse(ds *models.DataSource, includeConfig bool) DataSourceResponse {
	resp := DataSourceResponse{
		ID:              ds.ID.String(),
		OrganisationID:  ds.OrganisationID.String(),
		Name:            ds.Name,
		ProviderType:    string(ds.ProviderType),
		Columns:         ds.Columns,
		Geocoding:       ds.Geocoding,
		EnrichmentRules: ds.EnrichmentRules,
		AutoImport:      ds.AutoImport,
		AutoEnrich:      ds.AutoEnrich,
		RecordCount:     ds.RecordCount,
		CreatedAt:       ds.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       ds.UpdatedAt.Format(time.RFC3339),
	}
	if includeConfig {
		resp.Config = ds.Config
	}
	return resp
}

// List handles GET /api/data-sources?organisation_id=
func (h *DataSourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	organisationID, err := uuid.Parse(r.URL.Query().Get("organisation_id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_organisation_id", "Invalid organisation ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	sources, err := h.dataSourceService.List(r.Context(), organisationID)
	if err != nil {
		h.logger.Error("Failed to list data sources",
			zap.String("organisation_id", organisationID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list data sources"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	data := ListDataSourcesResponse{
		DataSources: make([]DataSourceResponse, len(sources)),
	}
	for i, ds := range sources {
		data.DataSources[i] = toResponse(ds, false)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/data-sources
func (h *DataSourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if req.Name == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_name", "Data source name is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.ProviderType == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_provider_type", "Provider type is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	organisationID, err := uuid.Parse(req.OrganisationID)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_organisation_id", "Invalid organisation ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ds := &models.DataSource{
		OrganisationID:  organisationID,
		Name:            req.Name,
		ProviderType:    models.ProviderType(req.ProviderType),
		Config:          req.Config,
		Geocoding:       req.Geocoding,
		EnrichmentRules: req.EnrichmentRules,
		AutoImport:      req.AutoImport,
		AutoEnrich:      req.AutoEnrich,
	}

	created, err := h.dataSourceService.Create(r.Context(), ds)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnsupportedProvider) || errors.Is(err, apperrors.ErrInvalidProviderConfig) {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_provider_config", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		if errors.Is(err, apperrors.ErrConflict) {
			if err := ErrorResponse(w, http.StatusConflict, "duplicate_name", "A data source with this name already exists"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to create data source",
			zap.String("organisation_id", organisationID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "create_failed", "Failed to create data source"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: toResponse(created, false)}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/data-sources/{id}
func (h *DataSourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	dataSourceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "Invalid data source ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ds, err := h.dataSourceService.Get(r.Context(), dataSourceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Data source not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to get data source",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to get data source"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: toResponse(ds, true)}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PUT /api/data-sources/{id}
func (h *DataSourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	dataSourceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "Invalid data source ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req UpdateDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if req.Name == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_name", "Data source name is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ds := &models.DataSource{
		ID:              dataSourceID,
		Name:            req.Name,
		ProviderType:    models.ProviderType(req.ProviderType),
		Config:          req.Config,
		Geocoding:       req.Geocoding,
		EnrichmentRules: req.EnrichmentRules,
		AutoImport:      req.AutoImport,
		AutoEnrich:      req.AutoEnrich,
	}

	if err := h.dataSourceService.Update(r.Context(), ds); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Data source not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		if errors.Is(err, apperrors.ErrUnsupportedProvider) || errors.Is(err, apperrors.ErrInvalidProviderConfig) {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_provider_config", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to update data source",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "update_failed", "Failed to update data source"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Data source updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/data-sources/{id}
func (h *DataSourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	dataSourceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "Invalid data source ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.dataSourceService.Delete(r.Context(), dataSourceID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Data source not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to delete data source",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "delete_failed", "Failed to delete data source"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Data source deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Sync handles POST /api/data-sources/{id}/sync
// Marks every record dirty and enqueues a full import plus enrichment.
func (h *DataSourcesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	dataSourceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "Invalid data source ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.dataSourceService.TriggerSync(r.Context(), dataSourceID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Data source not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to trigger sync",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "sync_failed", "Failed to trigger sync"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Message: "Sync enqueued"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// RegisterWebhook handles POST /api/data-sources/{id}/webhook
// Registers a provider webhook pointing back at this server.
func (h *DataSourcesHandler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	dataSourceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "Invalid data source ID format"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.webhookService.Register(r.Context(), dataSourceID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Data source not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		if errors.Is(err, apperrors.ErrWebhooksNotSupported) {
			if err := ErrorResponse(w, http.StatusBadRequest, "webhooks_not_supported", "This provider does not support webhooks"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to register webhook",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "webhook_failed", "Failed to register webhook"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Webhook registered"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
