package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/database"
	"github.com/mapfold/atlas-engine/pkg/models"
)

// NameMatchThreshold is the minimum trigram similarity for a by-name lookup
// to count as a match. Below this, a record's value is considered
// ungeocodeable rather than matched to the nearest noise.
const NameMatchThreshold = 0.4

// AreaRepository is the spatial reference store contract the geocoder
// depends on. Geometry stays in PostGIS; queries run against planar geometry
// with GiST indexes.
type AreaRepository interface {
	// GetAreaSetByCode fetches an area set by its unique code.
	GetAreaSetByCode(ctx context.Context, code string) (*models.AreaSet, error)

	// CreateAreaSet inserts an area set.
	CreateAreaSet(ctx context.Context, set *models.AreaSet) error

	// CreateArea inserts one boundary from WKT geometry. The representative
	// sample point (point-on-surface) and centroid are computed in SQL.
	CreateArea(ctx context.Context, area *models.Area, geometryWKT string) error

	// FindByCode is an exact match on (area set code, area code).
	FindByCode(ctx context.Context, areaSetCode, code string) (*models.Area, error)

	// FindByName is a fuzzy trigram match on (area set code, area name),
	// returning the best match above NameMatchThreshold or ErrNotFound.
	FindByName(ctx context.Context, areaSetCode, name string) (*models.Area, error)

	// FindContainingPoint returns the area in the given set whose geometry
	// covers the point.
	FindContainingPoint(ctx context.Context, areaSetCode string, point models.Point) (*models.Area, error)

	// FindContainingInOtherSets returns, for every area set except the
	// source one, the area containing the point. Used to cascade one
	// geocode into several boundary hierarchies in one pass.
	FindContainingInOtherSets(ctx context.Context, sourceAreaSetID uuid.UUID, point models.Point) ([]*models.Area, error)
}

type areaRepository struct {
	db *database.DB
}

// NewAreaRepository creates a new area repository.
func NewAreaRepository(db *database.DB) AreaRepository {
	return &areaRepository{db: db}
}

func (r *areaRepository) GetAreaSetByCode(ctx context.Context, code string) (*models.AreaSet, error) {
	var set models.AreaSet
	err := r.db.QueryRow(ctx,
		`SELECT id, code, name, created_at FROM area_sets WHERE code = $1`, code,
	).Scan(&set.ID, &set.Code, &set.Name, &set.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get area set: %w", err)
	}
	return &set, nil
}

func (r *areaRepository) CreateAreaSet(ctx context.Context, set *models.AreaSet) error {
	if set.ID == uuid.Nil {
		set.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO area_sets (id, code, name) VALUES ($1, $2, $3)`,
		set.ID, set.Code, set.Name)
	if err != nil {
		return fmt.Errorf("failed to create area set: %w", err)
	}
	return nil
}

func (r *areaRepository) CreateArea(ctx context.Context, area *models.Area, geometryWKT string) error {
	if area.ID == uuid.Nil {
		area.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO areas (id, area_set_id, code, name, geometry, sample_point, centroid)
		SELECT $1, $2, $3, $4, geom, ST_PointOnSurface(geom), ST_Centroid(geom)
		FROM (SELECT ST_Multi(ST_GeomFromText($5, 4326)) AS geom) g`,
		area.ID, area.AreaSetID, area.Code, area.Name, geometryWKT)
	if err != nil {
		return fmt.Errorf("failed to create area: %w", err)
	}
	return nil
}

const areaColumns = `a.id, a.area_set_id, s.code, a.code, a.name,
	ST_X(a.sample_point), ST_Y(a.sample_point), ST_X(a.centroid), ST_Y(a.centroid)`

func (r *areaRepository) FindByCode(ctx context.Context, areaSetCode, code string) (*models.Area, error) {
	query := `
		SELECT ` + areaColumns + `
		FROM areas a
		JOIN area_sets s ON s.id = a.area_set_id
		WHERE s.code = $1 AND a.code = $2`

	area, err := scanArea(r.db.QueryRow(ctx, query, areaSetCode, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find area by code: %w", err)
	}
	return area, nil
}

func (r *areaRepository) FindByName(ctx context.Context, areaSetCode, name string) (*models.Area, error) {
	query := `
		SELECT ` + areaColumns + `
		FROM areas a
		JOIN area_sets s ON s.id = a.area_set_id
		WHERE s.code = $1 AND similarity(a.name, $2) > $3
		ORDER BY similarity(a.name, $2) DESC
		LIMIT 1`

	area, err := scanArea(r.db.QueryRow(ctx, query, areaSetCode, name, NameMatchThreshold))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find area by name: %w", err)
	}
	return area, nil
}

func (r *areaRepository) FindContainingPoint(ctx context.Context, areaSetCode string, point models.Point) (*models.Area, error) {
	query := `
		SELECT ` + areaColumns + `
		FROM areas a
		JOIN area_sets s ON s.id = a.area_set_id
		WHERE s.code = $1
		  AND ST_Covers(a.geometry, ST_SetSRID(ST_MakePoint($2, $3), 4326))
		LIMIT 1`

	area, err := scanArea(r.db.QueryRow(ctx, query, areaSetCode, point.Lng, point.Lat))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find containing area: %w", err)
	}
	return area, nil
}

func (r *areaRepository) FindContainingInOtherSets(ctx context.Context, sourceAreaSetID uuid.UUID, point models.Point) ([]*models.Area, error) {
	// One containing area per set: boundaries within a set can share edges,
	// so DISTINCT ON keeps the first hit deterministically by code.
	query := `
		SELECT DISTINCT ON (a.area_set_id) ` + areaColumns + `
		FROM areas a
		JOIN area_sets s ON s.id = a.area_set_id
		WHERE a.area_set_id <> $1
		  AND ST_Covers(a.geometry, ST_SetSRID(ST_MakePoint($2, $3), 4326))
		ORDER BY a.area_set_id, a.code`

	rows, err := r.db.Query(ctx, query, sourceAreaSetID, point.Lng, point.Lat)
	if err != nil {
		return nil, fmt.Errorf("failed to query containing areas: %w", err)
	}
	defer rows.Close()

	var areas []*models.Area
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		areas = append(areas, area)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read containing areas: %w", err)
	}
	return areas, nil
}

func scanArea(row rowScanner) (*models.Area, error) {
	var area models.Area
	err := row.Scan(
		&area.ID, &area.AreaSetID, &area.AreaSetCode, &area.Code, &area.Name,
		&area.SamplePoint.Lng, &area.SamplePoint.Lat,
		&area.Centroid.Lng, &area.Centroid.Lat,
	)
	if err != nil {
		return nil, err
	}
	return &area, nil
}
