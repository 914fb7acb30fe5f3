package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/jsonutil"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// geocodeCacheTTL bounds staleness of cached area lookups. Reference
// boundaries change on the order of months.
const geocodeCacheTTL = 24 * time.Hour

// postcodeToken matches a UK-style postcode anywhere in a free-text address.
var postcodeToken = regexp.MustCompile(`(?i)\b[A-Z]{1,2}[0-9][A-Z0-9]?\s*[0-9][A-Z]{2}\b`)

// Geocoder resolves a record's configured column(s) to area codes.
type Geocoder interface {
	// Geocode maps a record payload to a GeocodeResult per the data
	// source's geocoding config. A nil result with nil error means the
	// record could not be geocoded (missing column, unresolvable value);
	// an error is returned only for infrastructure failures.
	Geocode(ctx context.Context, ds *models.DataSource, payload map[string]any) (*models.GeocodeResult, error)
}

// geocoder implements Geocoder against the area repository, with an
// optional Redis read-through cache on area lookups.
type geocoder struct {
	areas   repositories.AreaRepository
	cache   *redis.Client
	country CountryInference
	logger  *zap.Logger
}

// NewGeocoder creates a new geocoder. cache may be nil.
func NewGeocoder(areas repositories.AreaRepository, cache *redis.Client, country CountryInference, logger *zap.Logger) Geocoder {
	return &geocoder{
		areas:   areas,
		cache:   cache,
		country: country,
		logger:  logger.Named("geocoder"),
	}
}

func (g *geocoder) Geocode(ctx context.Context, ds *models.DataSource, payload map[string]any) (*models.GeocodeResult, error) {
	cfg := ds.Geocoding
	if cfg == nil || cfg.AreaSetCode == "" || len(cfg.Columns) == 0 {
		return nil, nil
	}

	raw, ok := g.rawValue(cfg, payload)
	if !ok {
		// Missing enrichable data, not an error
		return nil, nil
	}

	area, err := g.resolve(ctx, cfg, raw)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			g.logger.Info("could not geocode record value",
				zap.String("data_source_id", ds.ID.String()),
				zap.String("area_set", cfg.AreaSetCode),
				zap.String("mode", string(cfg.Mode)))
			return nil, nil
		}
		return nil, err
	}

	result := &models.GeocodeResult{
		Areas:        map[string]string{area.AreaSetCode: area.Code},
		CentralPoint: &area.Centroid,
		SamplePoint:  &area.SamplePoint,
	}

	// Cascade the resolved area's sample point into every other set so one
	// geocode populates the whole boundary hierarchy in a single pass.
	others, err := g.areas.FindContainingInOtherSets(ctx, area.AreaSetID, area.SamplePoint)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		result.Areas[other.AreaSetCode] = other.Code
	}

	g.country.Apply(result.Areas)

	return result, nil
}

// rawValue extracts the value to resolve from the payload. Address mode
// joins all configured columns with a space; the other modes take the first
// column that yields a value.
func (g *geocoder) rawValue(cfg *models.GeocodingConfig, payload map[string]any) (string, bool) {
	if cfg.Mode == models.GeocodeByAddress {
		parts := make([]string, 0, len(cfg.Columns))
		for _, column := range cfg.Columns {
			if v, ok := jsonutil.FieldString(payload, column); ok {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	}

	for _, column := range cfg.Columns {
		if v, ok := jsonutil.FieldString(payload, column); ok {
			return v, true
		}
	}
	return "", false
}

// resolve maps the raw value to a single area in the target set.
func (g *geocoder) resolve(ctx context.Context, cfg *models.GeocodingConfig, raw string) (*models.Area, error) {
	switch cfg.Mode {
	case models.GeocodeByCode:
		return g.findByCode(ctx, cfg.AreaSetCode, NormalizeCode(raw))
	case models.GeocodeByName:
		return g.findByName(ctx, cfg.AreaSetCode, strings.TrimSpace(raw))
	case models.GeocodeByAddress:
		// The postcode embedded in the address is the only reliably
		// resolvable token in free-text input.
		token := postcodeToken.FindString(raw)
		if token == "" {
			return nil, apperrors.ErrNotFound
		}
		return g.findByCode(ctx, cfg.AreaSetCode, NormalizeCode(token))
	default:
		return nil, apperrors.ErrNotFound
	}
}

// NormalizeCode strips all whitespace and upper-cases a raw area code so
// "en2 6pj" and "EN26PJ" resolve identically.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

func (g *geocoder) findByCode(ctx context.Context, areaSetCode, code string) (*models.Area, error) {
	key := "geocode:code:" + areaSetCode + ":" + code
	if area, ok := g.cacheGet(ctx, key); ok {
		return area, nil
	}

	area, err := g.areas.FindByCode(ctx, areaSetCode, code)
	if err != nil {
		return nil, err
	}
	g.cacheSet(ctx, key, area)
	return area, nil
}

func (g *geocoder) findByName(ctx context.Context, areaSetCode, name string) (*models.Area, error) {
	key := "geocode:name:" + areaSetCode + ":" + strings.ToLower(name)
	if area, ok := g.cacheGet(ctx, key); ok {
		return area, nil
	}

	area, err := g.areas.FindByName(ctx, areaSetCode, name)
	if err != nil {
		return nil, err
	}
	g.cacheSet(ctx, key, area)
	return area, nil
}

// cacheGet and cacheSet degrade to no-ops without a Redis client, and on
// any cache error. A cache failure must never fail a geocode.

func (g *geocoder) cacheGet(ctx context.Context, key string) (*models.Area, bool) {
	if g.cache == nil {
		return nil, false
	}
	data, err := g.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.Warn("geocode cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var area models.Area
	if err := json.Unmarshal(data, &area); err != nil {
		return nil, false
	}
	return &area, true
}

func (g *geocoder) cacheSet(ctx context.Context, key string, area *models.Area) {
	if g.cache == nil {
		return
	}
	data, err := json.Marshal(area)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, key, data, geocodeCacheTTL).Err(); err != nil {
		g.logger.Warn("geocode cache write failed", zap.String("key", key), zap.Error(err))
	}
}
