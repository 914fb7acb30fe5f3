package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/database"
	"github.com/mapfold/atlas-engine/pkg/models"
)

// UpsertRecord is one record's raw state for a batched import write.
type UpsertRecord struct {
	ExternalID string
	JSON       map[string]any
}

// EnrichedRecord carries one record's derived state for a batched
// enrichment write.
type EnrichedRecord struct {
	ID      uuid.UUID
	Derived map[string]any
	Geocode *models.GeocodeResult
	Point   *models.Point
}

// RecordRepository defines data access for mirrored provider records.
// All multi-row writes run inside one transaction per call: a batch commits
// or fails atomically, never partially.
type RecordRepository interface {
	// UpsertBatch writes raw payloads keyed on (data_source_id, external_id),
	// clears needs_import and raises needs_enrich for exactly the rows
	// written. Replaying a record is a no-op diff, not a duplicate.
	UpsertBatch(ctx context.Context, dataSourceID uuid.UUID, records []UpsertRecord) error

	// MarkDirtyBatch sets dirty bits for the named external IDs. Unknown IDs
	// get a stub row (empty json) so the next import fetch fills them in.
	MarkDirtyBatch(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string, needsImport, needsEnrich bool) error

	// MarkAllDirty sets dirty bits on every record of a data source.
	MarkAllDirty(ctx context.Context, dataSourceID uuid.UUID, needsImport, needsEnrich bool) error

	// DeleteByExternalIDs removes records deleted at the provider. Returns
	// the number of rows removed; unknown IDs are ignored.
	DeleteByExternalIDs(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (int, error)

	// ListNeedingEnrich returns up to limit records with needs_enrich set.
	ListNeedingEnrich(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.DataRecord, error)

	// ApplyEnrichmentBatch writes derived fields and geocode results and
	// clears needs_enrich for the given records.
	ApplyEnrichmentBatch(ctx context.Context, records []EnrichedRecord) error

	// GetByExternalID fetches one record.
	GetByExternalID(ctx context.Context, dataSourceID uuid.UUID, externalID string) (*models.DataRecord, error)

	// FindByAreaCode returns a record in a data source whose geocode result
	// maps areaSetCode to areaCode. Used for area-based enrichment joins.
	FindByAreaCode(ctx context.Context, dataSourceID uuid.UUID, areaSetCode, areaCode string) (*models.DataRecord, error)

	// FindByColumnValue returns a record in a data source whose payload
	// column equals value. Used for key-column enrichment joins.
	FindByColumnValue(ctx context.Context, dataSourceID uuid.UUID, column, value string) (*models.DataRecord, error)

	// Count returns the number of records in a data source.
	Count(ctx context.Context, dataSourceID uuid.UUID) (int, error)

	// CountDirty returns how many records still carry either dirty bit.
	CountDirty(ctx context.Context, dataSourceID uuid.UUID) (needsImport, needsEnrich int, err error)
}

type recordRepository struct {
	db *database.DB
}

// NewRecordRepository creates a new record repository.
func NewRecordRepository(db *database.DB) RecordRepository {
	return &recordRepository{db: db}
}

func (r *recordRepository) UpsertBatch(ctx context.Context, dataSourceID uuid.UUID, records []UpsertRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec.JSON)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.ExternalID, err)
		}
		// A written payload leaves derived state stale, so needs_enrich is
		// raised in the same statement that clears needs_import.
		batch.Queue(`
			INSERT INTO data_records (data_source_id, external_id, json, needs_import, needs_enrich)
			VALUES ($1, $2, $3, false, true)
			ON CONFLICT (data_source_id, external_id)
			DO UPDATE SET json = EXCLUDED.json, needs_import = false, needs_enrich = true, updated_at = now()`,
			dataSourceID, rec.ExternalID, payload)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert record batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit record batch: %w", err)
	}
	return nil
}

func (r *recordRepository) MarkDirtyBatch(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string, needsImport, needsEnrich bool) error {
	if len(externalIDs) == 0 || (!needsImport && !needsEnrich) {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, externalID := range externalIDs {
		batch.Queue(`
			INSERT INTO data_records (data_source_id, external_id, json, needs_import, needs_enrich)
			VALUES ($1, $2, '{}', $3, $4)
			ON CONFLICT (data_source_id, external_id)
			DO UPDATE SET
				needs_import = data_records.needs_import OR EXCLUDED.needs_import,
				needs_enrich = data_records.needs_enrich OR EXCLUDED.needs_enrich,
				updated_at = now()`,
			dataSourceID, externalID, needsImport, needsEnrich)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to mark records dirty: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dirty batch: %w", err)
	}
	return nil
}

func (r *recordRepository) MarkAllDirty(ctx context.Context, dataSourceID uuid.UUID, needsImport, needsEnrich bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE data_records
		SET needs_import = needs_import OR $2,
			needs_enrich = needs_enrich OR $3,
			updated_at = now()
		WHERE data_source_id = $1`,
		dataSourceID, needsImport, needsEnrich)
	if err != nil {
		return fmt.Errorf("failed to mark all records dirty: %w", err)
	}
	return nil
}

func (r *recordRepository) DeleteByExternalIDs(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `
		DELETE FROM data_records
		WHERE data_source_id = $1 AND external_id = ANY($2)`,
		dataSourceID, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const recordColumns = `id, data_source_id, external_id, json, derived, geocode,
	ST_X(geocode_point), ST_Y(geocode_point), needs_import, needs_enrich, created_at, updated_at`

func (r *recordRepository) ListNeedingEnrich(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.DataRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM data_records
		WHERE data_source_id = $1 AND needs_enrich
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, dataSourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records needing enrichment: %w", err)
	}
	defer rows.Close()

	var records []*models.DataRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func (r *recordRepository) ApplyEnrichmentBatch(ctx context.Context, records []EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, rec := range records {
		derived, err := marshalNullable(rec.Derived)
		if err != nil {
			return fmt.Errorf("failed to marshal derived fields: %w", err)
		}
		geocode, err := marshalNullable(rec.Geocode)
		if err != nil {
			return fmt.Errorf("failed to marshal geocode result: %w", err)
		}

		var lng, lat *float64
		if rec.Point != nil {
			lng, lat = &rec.Point.Lng, &rec.Point.Lat
		}

		batch.Queue(`
			UPDATE data_records
			SET derived = $2,
				geocode = $3,
				geocode_point = CASE
					WHEN $4::float8 IS NULL THEN NULL
					ELSE ST_SetSRID(ST_MakePoint($4::float8, $5::float8), 4326)
				END,
				needs_enrich = false,
				updated_at = now()
			WHERE id = $1`,
			rec.ID, derived, geocode, lng, lat)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to apply enrichment batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enrichment batch: %w", err)
	}
	return nil
}

func (r *recordRepository) GetByExternalID(ctx context.Context, dataSourceID uuid.UUID, externalID string) (*models.DataRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM data_records WHERE data_source_id = $1 AND external_id = $2`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, dataSourceID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (r *recordRepository) FindByAreaCode(ctx context.Context, dataSourceID uuid.UUID, areaSetCode, areaCode string) (*models.DataRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM data_records
		WHERE data_source_id = $1 AND geocode -> 'areas' ->> $2 = $3
		LIMIT 1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, dataSourceID, areaSetCode, areaCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find record by area code: %w", err)
	}
	return rec, nil
}

func (r *recordRepository) FindByColumnValue(ctx context.Context, dataSourceID uuid.UUID, column, value string) (*models.DataRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM data_records
		WHERE data_source_id = $1 AND json ->> $2 = $3
		LIMIT 1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, dataSourceID, column, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find record by column value: %w", err)
	}
	return rec, nil
}

func (r *recordRepository) Count(ctx context.Context, dataSourceID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM data_records WHERE data_source_id = $1`, dataSourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (r *recordRepository) CountDirty(ctx context.Context, dataSourceID uuid.UUID) (int, int, error) {
	var needsImport, needsEnrich int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE needs_import), COUNT(*) FILTER (WHERE needs_enrich)
		FROM data_records WHERE data_source_id = $1`,
		dataSourceID).Scan(&needsImport, &needsEnrich)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count dirty records: %w", err)
	}
	return needsImport, needsEnrich, nil
}

func scanRecord(row rowScanner) (*models.DataRecord, error) {
	var rec models.DataRecord
	var payload, derived, geocode []byte
	var lng, lat *float64

	err := row.Scan(
		&rec.ID, &rec.DataSourceID, &rec.ExternalID, &payload, &derived, &geocode,
		&lng, &lat, &rec.NeedsImport, &rec.NeedsEnrich, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &rec.JSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record payload: %w", err)
	}
	if len(derived) > 0 {
		if err := json.Unmarshal(derived, &rec.Derived); err != nil {
			return nil, fmt.Errorf("failed to unmarshal derived fields: %w", err)
		}
	}
	if len(geocode) > 0 {
		rec.Geocode = &models.GeocodeResult{}
		if err := json.Unmarshal(geocode, rec.Geocode); err != nil {
			return nil, fmt.Errorf("failed to unmarshal geocode result: %w", err)
		}
	}
	if lng != nil && lat != nil {
		rec.GeocodePoint = &models.Point{Lng: *lng, Lat: *lat}
	}

	return &rec, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	// Typed nils arrive as non-nil interfaces; map them to SQL NULL too.
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *models.GeocodeResult:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
