package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/adapters/provider"
	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// WebhookService processes provider change notifications and manages
// webhook registrations.
type WebhookService interface {
	WebhookRefresher

	// ProcessNotification handles one webhook delivery. Extraction
	// failures and unknown bodies are absorbed: providers retry failed
	// deliveries aggressively, so the ingress path never errors back to
	// them. The returned error is for operator logging only.
	ProcessNotification(ctx context.Context, dataSourceID uuid.UUID, body []byte) error

	// Register registers a webhook with the provider for a data source
	// and stores the returned webhook ID. ErrWebhooksNotSupported when
	// the provider has no webhook support.
	Register(ctx context.Context, dataSourceID uuid.UUID) error
}

type webhookService struct {
	sources   DataSourceService
	dsRepo    repositories.DataSourceRepository
	tracker   ChangeTracker
	scheduler Scheduler
	baseURL   string
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook service. baseURL is the publicly
// reachable root the provider calls back to.
func NewWebhookService(
	sources DataSourceService,
	dsRepo repositories.DataSourceRepository,
	tracker ChangeTracker,
	scheduler Scheduler,
	baseURL string,
	logger *zap.Logger,
) WebhookService {
	return &webhookService{
		sources:   sources,
		dsRepo:    dsRepo,
		tracker:   tracker,
		scheduler: scheduler,
		baseURL:   baseURL,
		logger:    logger.Named("webhook"),
	}
}

func (s *webhookService) ProcessNotification(ctx context.Context, dataSourceID uuid.UUID, body []byte) error {
	ds, err := s.sources.LoadDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source: %w", err)
	}

	adaptor, err := s.sources.Adaptor(ctx, ds)
	if err != nil {
		return fmt.Errorf("failed to construct adaptor: %w", err)
	}

	ids := adaptor.ExtractExternalRecordIDs(body)

	// Ping-style webhooks carry no record IDs; changed records are pulled
	// from the provider's payload endpoint behind a persisted cursor.
	if poller, ok := adaptor.(provider.CursorPoller); ok && len(ids) == 0 {
		ids, err = s.pollChanges(ctx, dataSourceID, poller)
		if err != nil {
			return err
		}
	}

	if len(ids) == 0 {
		s.logger.Info("webhook carried no record ids",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Int("body_bytes", len(body)))
		return nil
	}

	if err := s.tracker.MarkChanged(ctx, ds, ids); err != nil {
		return err
	}

	return s.enqueuePerFlags(ctx, ds, ids)
}

// pollChanges pulls changed record IDs and advances the cursor. The cursor
// is persisted before the IDs are acted on so each payload batch is
// consumed exactly once even if marking fails mid-way.
func (s *webhookService) pollChanges(ctx context.Context, dataSourceID uuid.UUID, poller provider.CursorPoller) ([]string, error) {
	cursor, err := s.dsRepo.GetWebhookCursor(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook cursor: %w", err)
	}

	ids, nextCursor, err := poller.PollChanges(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to poll provider changes: %w", err)
	}

	if nextCursor != cursor {
		if err := s.dsRepo.UpdateWebhookCursor(ctx, dataSourceID, nextCursor); err != nil {
			return nil, fmt.Errorf("failed to advance webhook cursor: %w", err)
		}
	}
	return ids, nil
}

func (s *webhookService) enqueuePerFlags(ctx context.Context, ds *models.DataSource, ids []string) error {
	if ds.AutoImport {
		if _, err := s.scheduler.EnqueueImport(ctx, ds.ID, ids); err != nil {
			return err
		}
	}
	if ds.AutoEnrich {
		if _, err := s.scheduler.EnqueueEnrich(ctx, ds.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *webhookService) Register(ctx context.Context, dataSourceID uuid.UUID) error {
	ds, err := s.sources.LoadDataSource(ctx, dataSourceID)
	if err != nil {
		return err
	}
	return s.register(ctx, ds)
}

func (s *webhookService) register(ctx context.Context, ds *models.DataSource) error {
	adaptor, err := s.sources.Adaptor(ctx, ds)
	if err != nil {
		return err
	}

	mgr, ok := adaptor.(provider.WebhookManager)
	if !ok {
		return fmt.Errorf("%s: %w", ds.ProviderType, apperrors.ErrWebhooksNotSupported)
	}

	callbackURL := fmt.Sprintf("%s/webhooks/%s", s.baseURL, ds.ID)
	webhookID, err := mgr.RegisterWebhook(ctx, callbackURL)
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}

	if err := s.dsRepo.UpdateWebhook(ctx, ds.ID, webhookID); err != nil {
		return err
	}

	s.logger.Info("webhook registered",
		zap.String("data_source_id", ds.ID.String()),
		zap.String("webhook_id", webhookID))
	return nil
}

// RefreshWebhooks re-registers webhooks for every auto-import data source
// whose provider supports them. Providers expire registrations; the daily
// cron keeps them alive.
func (s *webhookService) RefreshWebhooks(ctx context.Context) error {
	sources, err := s.dsRepo.ListAutoImport(ctx)
	if err != nil {
		return err
	}

	var failed int
	for _, ds := range sources {
		loaded, err := s.sources.LoadDataSource(ctx, ds.ID)
		if err != nil {
			s.logger.Warn("webhook refresh skipped source",
				zap.String("data_source_id", ds.ID.String()), zap.Error(err))
			failed++
			continue
		}

		adaptor, err := s.sources.Adaptor(ctx, loaded)
		if err != nil {
			failed++
			continue
		}
		if _, ok := adaptor.(provider.WebhookManager); !ok {
			continue
		}

		if err := s.register(ctx, loaded); err != nil {
			s.logger.Warn("webhook refresh failed",
				zap.String("data_source_id", ds.ID.String()), zap.Error(err))
			failed++
		}
	}

	s.logger.Info("webhook refresh complete",
		zap.Int("source_count", len(sources)),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("webhook refresh failed for %d of %d sources", failed, len(sources))
	}
	return nil
}
