package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// ChangeTracker sets dirty bits in response to provider change notifications.
// Clearing is owned by the pipelines: import clears needsImport for the
// records it upserts, enrichment clears needsEnrich for the records it
// processes.
type ChangeTracker interface {
	// MarkChanged flags the named external records per the data source's
	// auto flags: needsImport when autoImport is on, needsEnrich when
	// autoEnrich is on. Unknown IDs get stub rows.
	MarkChanged(ctx context.Context, ds *models.DataSource, externalIDs []string) error

	// MarkAllChanged flags every record of a data source for re-import and
	// re-enrichment. Used for full re-syncs after config edits.
	MarkAllChanged(ctx context.Context, ds *models.DataSource) error
}

type changeTracker struct {
	records   repositories.RecordRepository
	batchSize int
	logger    *zap.Logger
}

// NewChangeTracker creates a new change tracker. batchSize bounds each
// write batch.
func NewChangeTracker(records repositories.RecordRepository, batchSize int, logger *zap.Logger) ChangeTracker {
	if batchSize < 1 {
		batchSize = 250
	}
	return &changeTracker{
		records:   records,
		batchSize: batchSize,
		logger:    logger.Named("change_tracker"),
	}
}

func (t *changeTracker) MarkChanged(ctx context.Context, ds *models.DataSource, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	if !ds.AutoImport && !ds.AutoEnrich {
		t.logger.Debug("auto flags off, ignoring change notification",
			zap.String("data_source_id", ds.ID.String()),
			zap.Int("record_count", len(externalIDs)))
		return nil
	}

	for start := 0; start < len(externalIDs); start += t.batchSize {
		end := start + t.batchSize
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		batch := externalIDs[start:end]

		if err := t.records.MarkDirtyBatch(ctx, ds.ID, batch, ds.AutoImport, ds.AutoEnrich); err != nil {
			return fmt.Errorf("failed to mark records dirty: %w", err)
		}
	}

	t.logger.Info("marked records dirty",
		zap.String("data_source_id", ds.ID.String()),
		zap.Int("record_count", len(externalIDs)),
		zap.Bool("needs_import", ds.AutoImport),
		zap.Bool("needs_enrich", ds.AutoEnrich))
	return nil
}

func (t *changeTracker) MarkAllChanged(ctx context.Context, ds *models.DataSource) error {
	if err := t.records.MarkAllDirty(ctx, ds.ID, true, true); err != nil {
		return fmt.Errorf("failed to mark all records dirty: %w", err)
	}
	t.logger.Info("marked all records dirty", zap.String("data_source_id", ds.ID.String()))
	return nil
}
