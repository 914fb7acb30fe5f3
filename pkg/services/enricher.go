package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/jsonutil"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// Enricher applies a data source's enrichment rules to a record.
type Enricher interface {
	// Enrich evaluates every rule and returns the merged derived fields.
	// Rules apply in order; later rules overwrite earlier ones writing the
	// same target field. A rule that cannot resolve (no geocode, no
	// related record) is skipped, never an error.
	Enrich(ctx context.Context, ds *models.DataSource, record *models.DataRecord) (map[string]any, error)
}

type enricher struct {
	areas   repositories.AreaRepository
	records repositories.RecordRepository
	logger  *zap.Logger
}

// NewEnricher creates a new enricher.
func NewEnricher(areas repositories.AreaRepository, records repositories.RecordRepository, logger *zap.Logger) Enricher {
	return &enricher{
		areas:   areas,
		records: records,
		logger:  logger.Named("enricher"),
	}
}

func (e *enricher) Enrich(ctx context.Context, ds *models.DataSource, record *models.DataRecord) (map[string]any, error) {
	if len(ds.EnrichmentRules) == 0 {
		return nil, nil
	}

	derived := make(map[string]any)
	for _, rule := range ds.EnrichmentRules {
		value, ok, err := e.applyRule(ctx, ds, record, rule)
		if err != nil {
			return nil, err
		}
		if ok {
			// Last write wins on target collisions
			derived[rule.Target] = value
		}
	}

	if len(derived) == 0 {
		return nil, nil
	}
	return derived, nil
}

func (e *enricher) applyRule(ctx context.Context, ds *models.DataSource, record *models.DataRecord, rule models.EnrichmentRule) (any, bool, error) {
	switch rule.Source {
	case models.EnrichFromArea:
		return e.applyAreaRule(ctx, record, rule)
	case models.EnrichFromDataSource:
		return e.applyDataSourceRule(ctx, record, rule)
	default:
		e.logger.Warn("unknown enrichment rule source",
			zap.String("data_source_id", ds.ID.String()),
			zap.String("source", string(rule.Source)))
		return nil, false, nil
	}
}

// applyAreaRule copies a property of the record's geocoded area in the
// rule's area set.
func (e *enricher) applyAreaRule(ctx context.Context, record *models.DataRecord, rule models.EnrichmentRule) (any, bool, error) {
	if record.Geocode == nil {
		return nil, false, nil
	}
	code, ok := record.Geocode.Areas[rule.AreaSetCode]
	if !ok {
		return nil, false, nil
	}

	switch rule.AreaProperty {
	case "", "code":
		return code, true, nil
	case "name":
		area, err := e.areas.FindByCode(ctx, rule.AreaSetCode, code)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return area.Name, true, nil
	default:
		return nil, false, fmt.Errorf("unknown area property %q", rule.AreaProperty)
	}
}

// applyDataSourceRule copies a column from a related record in another data
// source. Relatedness is a shared area code, or a matching key column when
// JoinColumn is set.
func (e *enricher) applyDataSourceRule(ctx context.Context, record *models.DataRecord, rule models.EnrichmentRule) (any, bool, error) {
	if rule.DataSourceID == nil || rule.SourceColumn == "" {
		return nil, false, nil
	}

	var related *models.DataRecord
	var err error

	if rule.JoinColumn != "" {
		value, ok := jsonutil.FieldString(record.JSON, rule.JoinColumn)
		if !ok {
			return nil, false, nil
		}
		related, err = e.records.FindByColumnValue(ctx, *rule.DataSourceID, rule.JoinColumn, value)
	} else {
		if record.Geocode == nil {
			return nil, false, nil
		}
		code, ok := record.Geocode.Areas[rule.JoinAreaSetCode]
		if !ok {
			return nil, false, nil
		}
		related, err = e.records.FindByAreaCode(ctx, *rule.DataSourceID, rule.JoinAreaSetCode, code)
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	value, ok := related.JSON[rule.SourceColumn]
	if !ok || value == nil {
		return nil, false, nil
	}
	return value, true, nil
}
