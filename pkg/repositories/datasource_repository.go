package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/database"
	"github.com/mapfold/atlas-engine/pkg/models"
)

// DataSourceRepository defines data access for data sources.
// Provider config is stored as encrypted TEXT - encryption/decryption is
// handled by the service layer.
type DataSourceRepository interface {
	// Create inserts a new data source. Returns ErrConflict if the name is
	// taken within the organisation.
	Create(ctx context.Context, ds *models.DataSource, encryptedConfig string) error

	// GetByID retrieves a data source by ID. Returns the model and encrypted config.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error)

	// List retrieves all data sources for an organisation.
	List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error)

	// ListAutoImport retrieves every data source with auto-import enabled,
	// across organisations, for the nightly sweep.
	ListAutoImport(ctx context.Context) ([]*models.DataSource, error)

	// Update modifies a data source's mutable configuration.
	Update(ctx context.Context, ds *models.DataSource, encryptedConfig string) error

	// UpdateColumns persists column definitions discovered during import.
	UpdateColumns(ctx context.Context, id uuid.UUID, columns []models.ColumnDef) error

	// UpdateRecordCount refreshes the cached record count after an import.
	UpdateRecordCount(ctx context.Context, id uuid.UUID, count int) error

	// UpdateWebhook stores the provider webhook ID after (re-)registration.
	UpdateWebhook(ctx context.Context, id uuid.UUID, webhookID string) error

	// GetWebhookCursor reads the provider payload cursor.
	GetWebhookCursor(ctx context.Context, id uuid.UUID) (int, error)

	// UpdateWebhookCursor advances the provider payload cursor. Persisted
	// before the polled IDs are acted on so each payload batch is consumed
	// exactly once.
	UpdateWebhookCursor(ctx context.Context, id uuid.UUID, cursor int) error

	// Delete removes a data source; records cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}

type dataSourceRepository struct {
	db *database.DB
}

// NewDataSourceRepository creates a new data source repository.
func NewDataSourceRepository(db *database.DB) DataSourceRepository {
	return &dataSourceRepository{db: db}
}

const dataSourceColumns = `id, organisation_id, name, provider_type, columns, column_roles,
	geocoding, enrichment_rules, auto_import, auto_enrich, record_count, webhook_id,
	created_at, updated_at`

func (r *dataSourceRepository) Create(ctx context.Context, ds *models.DataSource, encryptedConfig string) error {
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}

	columns, columnRoles, geocoding, rules, err := marshalDataSourceJSON(ds)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO data_sources (id, organisation_id, name, provider_type, provider_config,
			columns, column_roles, geocoding, enrichment_rules, auto_import, auto_enrich,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		ds.ID, ds.OrganisationID, ds.Name, ds.ProviderType, encryptedConfig,
		columns, columnRoles, geocoding, rules, ds.AutoImport, ds.AutoEnrich,
		ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}

	return nil
}

func (r *dataSourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	query := `SELECT ` + dataSourceColumns + `, provider_config FROM data_sources WHERE id = $1`

	row := r.db.QueryRow(ctx, query, id)
	ds, encryptedConfig, err := scanDataSourceWithConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get data source: %w", err)
	}
	return ds, encryptedConfig, nil
}

func (r *dataSourceRepository) List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE organisation_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	defer rows.Close()

	return scanDataSources(rows)
}

func (r *dataSourceRepository) ListAutoImport(ctx context.Context) ([]*models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE auto_import ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-import data sources: %w", err)
	}
	defer rows.Close()

	return scanDataSources(rows)
}

func (r *dataSourceRepository) Update(ctx context.Context, ds *models.DataSource, encryptedConfig string) error {
	columns, columnRoles, geocoding, rules, err := marshalDataSourceJSON(ds)
	if err != nil {
		return err
	}

	query := `
		UPDATE data_sources
		SET name = $2, provider_type = $3, provider_config = $4, columns = $5,
			column_roles = $6, geocoding = $7, enrichment_rules = $8,
			auto_import = $9, auto_enrich = $10, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		ds.ID, ds.Name, ds.ProviderType, encryptedConfig, columns,
		columnRoles, geocoding, rules, ds.AutoImport, ds.AutoEnrich,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) UpdateColumns(ctx context.Context, id uuid.UUID, columns []models.ColumnDef) error {
	encoded, err := json.Marshal(columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}
	_, err = r.db.Exec(ctx, `UPDATE data_sources SET columns = $2, updated_at = now() WHERE id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to update columns: %w", err)
	}
	return nil
}

func (r *dataSourceRepository) UpdateRecordCount(ctx context.Context, id uuid.UUID, count int) error {
	_, err := r.db.Exec(ctx, `UPDATE data_sources SET record_count = $2, updated_at = now() WHERE id = $1`, id, count)
	if err != nil {
		return fmt.Errorf("failed to update record count: %w", err)
	}
	return nil
}

func (r *dataSourceRepository) UpdateWebhook(ctx context.Context, id uuid.UUID, webhookID string) error {
	_, err := r.db.Exec(ctx, `UPDATE data_sources SET webhook_id = $2, updated_at = now() WHERE id = $1`, id, webhookID)
	if err != nil {
		return fmt.Errorf("failed to update webhook id: %w", err)
	}
	return nil
}

func (r *dataSourceRepository) GetWebhookCursor(ctx context.Context, id uuid.UUID) (int, error) {
	var cursor int
	err := r.db.QueryRow(ctx, `SELECT webhook_cursor FROM data_sources WHERE id = $1`, id).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get webhook cursor: %w", err)
	}
	return cursor, nil
}

func (r *dataSourceRepository) UpdateWebhookCursor(ctx context.Context, id uuid.UUID, cursor int) error {
	_, err := r.db.Exec(ctx, `UPDATE data_sources SET webhook_cursor = $2, updated_at = now() WHERE id = $1`, id, cursor)
	if err != nil {
		return fmt.Errorf("failed to update webhook cursor: %w", err)
	}
	return nil
}

func (r *dataSourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func marshalDataSourceJSON(ds *models.DataSource) (columns, columnRoles, geocoding, rules []byte, err error) {
	if columns, err = json.Marshal(ds.Columns); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal columns: %w", err)
	}
	if columnRoles, err = json.Marshal(ds.ColumnRoles); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal column roles: %w", err)
	}
	if ds.Geocoding != nil {
		if geocoding, err = json.Marshal(ds.Geocoding); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal geocoding config: %w", err)
		}
	}
	if rules, err = json.Marshal(ds.EnrichmentRules); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal enrichment rules: %w", err)
	}
	return columns, columnRoles, geocoding, rules, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(row rowScanner, extraDest ...any) (*models.DataSource, error) {
	var ds models.DataSource
	var columns, columnRoles, rules []byte
	var geocoding []byte

	dest := []any{
		&ds.ID, &ds.OrganisationID, &ds.Name, &ds.ProviderType, &columns, &columnRoles,
		&geocoding, &rules, &ds.AutoImport, &ds.AutoEnrich, &ds.RecordCount, &ds.WebhookID,
		&ds.CreatedAt, &ds.UpdatedAt,
	}
	dest = append(dest, extraDest...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(columns, &ds.Columns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal columns: %w", err)
	}
	if err := json.Unmarshal(columnRoles, &ds.ColumnRoles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column roles: %w", err)
	}
	if len(geocoding) > 0 {
		ds.Geocoding = &models.GeocodingConfig{}
		if err := json.Unmarshal(geocoding, ds.Geocoding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal geocoding config: %w", err)
		}
	}
	if err := json.Unmarshal(rules, &ds.EnrichmentRules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrichment rules: %w", err)
	}

	return &ds, nil
}

func scanDataSourceWithConfig(row rowScanner) (*models.DataSource, string, error) {
	var encryptedConfig string
	ds, err := scanDataSource(row, &encryptedConfig)
	if err != nil {
		return nil, "", err
	}
	return ds, encryptedConfig, nil
}

func scanDataSources(rows pgx.Rows) ([]*models.DataSource, error) {
	var sources []*models.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}
		sources = append(sources, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read data sources: %w", err)
	}
	return sources, nil
}
