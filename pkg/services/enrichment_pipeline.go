package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// EnrichmentPipeline geocodes and enriches records carrying needs_enrich.
type EnrichmentPipeline interface {
	// Run processes every dirty record of the data source in batches.
	// Per-record malformed data is logged and skipped, never a job
	// failure; a record with nothing configured is trivially enriched so
	// dirty-bit accounting converges.
	Run(ctx context.Context, dataSourceID uuid.UUID) error
}

type enrichmentPipeline struct {
	sources   SourceLoader
	geocoder  Geocoder
	enricher  Enricher
	records   repositories.RecordRepository
	batchSize int
	logger    *zap.Logger
}

// NewEnrichmentPipeline creates a new enrichment pipeline.
func NewEnrichmentPipeline(
	sources SourceLoader,
	geocoder Geocoder,
	enricher Enricher,
	records repositories.RecordRepository,
	batchSize int,
	logger *zap.Logger,
) EnrichmentPipeline {
	if batchSize < 1 {
		batchSize = 250
	}
	return &enrichmentPipeline{
		sources:   sources,
		geocoder:  geocoder,
		enricher:  enricher,
		records:   records,
		batchSize: batchSize,
		logger:    logger.Named("enrichment_pipeline"),
	}
}

func (p *enrichmentPipeline) Run(ctx context.Context, dataSourceID uuid.UUID) error {
	ds, err := p.sources.LoadDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source: %w", err)
	}

	logger := p.logger.With(zap.String("data_source_id", dataSourceID.String()))
	logger.Info("enrichment started")

	processed := 0
	for {
		// Cancellation is checked at batch boundaries
		if err := ctx.Err(); err != nil {
			return err
		}

		dirty, err := p.records.ListNeedingEnrich(ctx, dataSourceID, p.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list dirty records: %w", err)
		}
		if len(dirty) == 0 {
			break
		}

		batch := make([]repositories.EnrichedRecord, 0, len(dirty))
		for _, rec := range dirty {
			enriched, err := p.enrichRecord(ctx, ds, rec)
			if err != nil {
				return err
			}
			batch = append(batch, enriched)
		}

		if err := p.records.ApplyEnrichmentBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to apply enrichment batch: %w", err)
		}
		processed += len(batch)
	}

	logger.Info("enrichment complete", zap.Int("records_processed", processed))
	return nil
}

// enrichRecord computes one record's derived state. The returned record
// always clears needs_enrich when applied; a record the geocoder or
// enricher cannot make sense of keeps its previous derived state rather
// than failing the run.
func (p *enrichmentPipeline) enrichRecord(ctx context.Context, ds *models.DataSource, rec *models.DataRecord) (repositories.EnrichedRecord, error) {
	enriched := repositories.EnrichedRecord{
		ID:      rec.ID,
		Derived: rec.Derived,
		Geocode: rec.Geocode,
	}
	if rec.GeocodePoint != nil {
		enriched.Point = rec.GeocodePoint
	}

	if ds.Geocoding != nil {
		result, err := p.geocoder.Geocode(ctx, ds, rec.JSON)
		if err != nil {
			return enriched, fmt.Errorf("geocode failed: %w", err)
		}
		if result != nil {
			// Merge per area set so a fresh pass overwrites stale
			// entries without disturbing sets it did not resolve.
			if enriched.Geocode == nil || enriched.Geocode.Areas == nil {
				enriched.Geocode = result
			} else {
				for set, code := range result.Areas {
					enriched.Geocode.Areas[set] = code
				}
				enriched.Geocode.CentralPoint = result.CentralPoint
				enriched.Geocode.SamplePoint = result.SamplePoint
			}
			enriched.Point = result.SamplePoint
		}
		// rec.Geocode carries over when the record could not be geocoded
	}

	// Geocode results feed the rule evaluation below
	workingRecord := *rec
	workingRecord.Geocode = enriched.Geocode

	derived, err := p.enricher.Enrich(ctx, ds, &workingRecord)
	if err != nil {
		return enriched, fmt.Errorf("enrich failed: %w", err)
	}
	if len(derived) > 0 {
		if enriched.Derived == nil {
			enriched.Derived = make(map[string]any, len(derived))
		}
		for k, v := range derived {
			enriched.Derived[k] = v
		}
	}

	return enriched, nil
}
