package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/adapters/provider"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// SourceLoader fetches a data source with decrypted provider config.
// Implemented by the data source service.
type SourceLoader interface {
	LoadDataSource(ctx context.Context, id uuid.UUID) (*models.DataSource, error)
}

// ImportPipeline fetches provider records and mirrors them locally.
// One invocation is the state machine start -> fetch -> upsert-batch* -> end.
type ImportPipeline interface {
	// Run imports a data source. A nil externalIDs imports everything;
	// otherwise only the named records are fetched and upserted.
	//
	// Partial progress is kept: batches written before a fetch or upsert
	// failure stay written, their needs_import bits cleared, and the
	// failure is surfaced as the job error.
	Run(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) error
}

type importPipeline struct {
	sources   SourceLoader
	factory   provider.AdaptorFactory
	records   repositories.RecordRepository
	dsRepo    repositories.DataSourceRepository
	batchSize int
	logger    *zap.Logger
}

// NewImportPipeline creates a new import pipeline. batchSize bounds each
// upsert transaction.
func NewImportPipeline(
	sources SourceLoader,
	factory provider.AdaptorFactory,
	records repositories.RecordRepository,
	dsRepo repositories.DataSourceRepository,
	batchSize int,
	logger *zap.Logger,
) ImportPipeline {
	if batchSize < 1 {
		batchSize = 250
	}
	return &importPipeline{
		sources:   sources,
		factory:   factory,
		records:   records,
		dsRepo:    dsRepo,
		batchSize: batchSize,
		logger:    logger.Named("import_pipeline"),
	}
}

func (p *importPipeline) Run(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) error {
	ds, err := p.sources.LoadDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source: %w", err)
	}

	// Adaptor construction failures are configuration errors: fatal for
	// this run, retrying cannot help.
	adaptor, err := p.factory.New(string(ds.ProviderType), ds.Config)
	if err != nil {
		return fmt.Errorf("failed to construct adaptor: %w", err)
	}

	logger := p.logger.With(
		zap.String("data_source_id", dataSourceID.String()),
		zap.String("provider_type", string(ds.ProviderType)))

	it := adaptor.FetchAll(ctx)
	if externalIDs != nil {
		it = provider.FilterByExternalIDs(it, externalIDs)
		logger = logger.With(zap.Int("filter_count", len(externalIDs)))
	}

	logger.Info("import started")

	upserted := 0
	batch := make([]repositories.UpsertRecord, 0, p.batchSize)
	colTypes := make(map[string]string)

	// On a filtered run, requested IDs the provider never returns are
	// records deleted upstream; they are removed after a clean fetch.
	var fetched map[string]bool
	if externalIDs != nil {
		fetched = make(map[string]bool, len(externalIDs))
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.records.UpsertBatch(ctx, dataSourceID, batch); err != nil {
			return fmt.Errorf("failed to upsert batch: %w", err)
		}
		upserted += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		rec, ok := it.Next(ctx)
		if !ok {
			break
		}
		batch = append(batch, repositories.UpsertRecord{
			ExternalID: rec.ExternalID,
			JSON:       rec.JSON,
		})
		if fetched != nil {
			fetched[rec.ExternalID] = true
		}
		discoverColumns(colTypes, rec.JSON)

		if len(batch) < p.batchSize {
			continue
		}
		// Cancellation is checked at batch boundaries only; a batch in
		// flight always completes or fails atomically.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
	}

	if fetchErr := it.Err(); fetchErr != nil {
		// Keep what the provider managed to return before failing so a
		// later run only re-fetches the remainder.
		if err := flush(); err != nil {
			logger.Warn("failed to flush partial batch after fetch failure", zap.Error(err))
		}
		logger.Error("import fetch failed",
			zap.Int("records_upserted", upserted),
			zap.Error(fetchErr))
		return fmt.Errorf("provider fetch failed: %w", fetchErr)
	}

	if err := flush(); err != nil {
		return err
	}

	// A fetch that completed cleanly is authoritative for the requested
	// set: anything it did not return no longer exists at the provider.
	// Deleting the local row clears its dirty bit and keeps the record
	// count honest; only a failed fetch leaves the rows for a retry.
	if externalIDs != nil {
		var missing []string
		for _, id := range externalIDs {
			if !fetched[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			deleted, err := p.records.DeleteByExternalIDs(ctx, dataSourceID, missing)
			if err != nil {
				return err
			}
			logger.Info("removed records deleted at provider", zap.Int("deleted", deleted))
		}
	}

	count, err := p.records.Count(ctx, dataSourceID)
	if err != nil {
		return err
	}
	if err := p.dsRepo.UpdateRecordCount(ctx, dataSourceID, count); err != nil {
		return err
	}

	// Column definitions are refreshed only on a full fetch; a filtered
	// subset would shrink them.
	if externalIDs == nil && len(colTypes) > 0 {
		if err := p.dsRepo.UpdateColumns(ctx, dataSourceID, columnDefs(colTypes)); err != nil {
			logger.Warn("failed to persist discovered columns", zap.Error(err))
		}
	}

	logger.Info("import complete",
		zap.Int("records_upserted", upserted),
		zap.Int("record_count", count))
	return nil
}

// discoverColumns accumulates column name and type pairs from raw payloads.
// A column seen with conflicting types degrades to "string".
func discoverColumns(colTypes map[string]string, payload map[string]any) {
	for name, value := range payload {
		t := columnType(value)
		if existing, ok := colTypes[name]; ok && existing != t {
			colTypes[name] = "string"
			continue
		}
		colTypes[name] = t
	}
}

func columnType(value any) string {
	switch value.(type) {
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any, []any:
		return "object"
	default:
		return "string"
	}
}

func columnDefs(colTypes map[string]string) []models.ColumnDef {
	defs := make([]models.ColumnDef, 0, len(colTypes))
	for name, t := range colTypes {
		defs = append(defs, models.ColumnDef{Name: name, Type: t})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
