package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
	"github.com/mapfold/atlas-engine/pkg/services"
)

// AreasHandler serves spatial reference lookups.
type AreasHandler struct {
	areas  repositories.AreaRepository
	logger *zap.Logger
}

// NewAreasHandler creates a new areas handler.
func NewAreasHandler(areas repositories.AreaRepository, logger *zap.Logger) *AreasHandler {
	return &AreasHandler{areas: areas, logger: logger}
}

// RegisterRoutes registers the areas handler's routes on the given mux.
func (h *AreasHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/areas/lookup", h.Lookup)
}

// Lookup handles GET /api/areas/lookup?set=&code=|name=|point=
// Exactly one of code, name or point selects the lookup mode. Codes are
// normalized the same way the geocoder normalizes them; point is "lng,lat".
func (h *AreasHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	set := r.URL.Query().Get("set")
	if set == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_set", "The set query parameter is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	code := r.URL.Query().Get("code")
	name := r.URL.Query().Get("name")
	pointStr := r.URL.Query().Get("point")

	selectors := 0
	for _, s := range []string{code, name, pointStr} {
		if s != "" {
			selectors++
		}
	}
	if selectors != 1 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_selector", "Exactly one of code, name or point is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var (
		area *models.Area
		err  error
	)
	switch {
	case code != "":
		area, err = h.areas.FindByCode(r.Context(), set, services.NormalizeCode(code))
	case name != "":
		area, err = h.areas.FindByName(r.Context(), set, name)
	default:
		point, perr := parsePoint(pointStr)
		if perr != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_point", "The point parameter must be lng,lat"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		area, err = h.areas.FindContainingPoint(r.Context(), set, point)
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "No matching area"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to look up area",
			zap.String("set", set),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to look up area"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: area}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func parsePoint(s string) (models.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Point{}, errors.New("point must have two components")
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Point{}, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Point{}, err
	}
	return models.Point{Lng: lng, Lat: lat}, nil
}
