package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/adapters/provider"
	"github.com/mapfold/atlas-engine/pkg/crypto"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// DataSourceService defines the interface for data source operations.
// Provider config is encrypted at rest; every read path decrypts before
// returning.
type DataSourceService interface {
	SourceLoader

	// Create validates the provider config by constructing an adaptor,
	// then persists the data source with the config encrypted.
	Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error)

	// Get retrieves a data source with decrypted config.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// List retrieves all data sources for an organisation. Configs are
	// not decrypted; list views never need credentials.
	List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error)

	// Update modifies a data source's configuration. A nil Config keeps
	// the stored credentials.
	Update(ctx context.Context, ds *models.DataSource) error

	// Delete removes a data source and its records.
	Delete(ctx context.Context, id uuid.UUID) error

	// TriggerSync marks every record dirty and enqueues import plus
	// enrichment jobs. The operator-facing full re-sync.
	TriggerSync(ctx context.Context, id uuid.UUID) error

	// Adaptor constructs the provider adaptor for a data source.
	Adaptor(ctx context.Context, ds *models.DataSource) (provider.Adaptor, error)
}

type dataSourceService struct {
	repo      repositories.DataSourceRepository
	encryptor *crypto.ConfigEncryptor
	factory   provider.AdaptorFactory
	tracker   ChangeTracker
	scheduler Scheduler
	logger    *zap.Logger
}

// NewDataSourceService creates a new data source service.
func NewDataSourceService(
	repo repositories.DataSourceRepository,
	encryptor *crypto.ConfigEncryptor,
	factory provider.AdaptorFactory,
	tracker ChangeTracker,
	scheduler Scheduler,
	logger *zap.Logger,
) DataSourceService {
	return &dataSourceService{
		repo:      repo,
		encryptor: encryptor,
		factory:   factory,
		tracker:   tracker,
		scheduler: scheduler,
		logger:    logger.Named("datasource"),
	}
}

func (s *dataSourceService) Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error) {
	if ds.Name == "" {
		return nil, fmt.Errorf("data source name is required")
	}
	if ds.Config == nil {
		ds.Config = make(map[string]any)
	}

	// Construction doubles as config validation: a config an adaptor
	// cannot be built from is rejected before anything is stored.
	if _, err := s.factory.New(string(ds.ProviderType), ds.Config); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.EncryptConfig(ds.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt config: %w", err)
	}

	if err := s.repo.Create(ctx, ds, encrypted); err != nil {
		return nil, err
	}

	s.logger.Info("data source created",
		zap.String("data_source_id", ds.ID.String()),
		zap.String("provider_type", string(ds.ProviderType)))
	return ds, nil
}

func (s *dataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	return s.LoadDataSource(ctx, id)
}

// LoadDataSource implements SourceLoader for the pipelines.
func (s *dataSourceService) LoadDataSource(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, encrypted, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if encrypted != "" {
		config, err := s.encryptor.DecryptConfig(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt config: %w", err)
		}
		ds.Config = config
	} else {
		ds.Config = make(map[string]any)
	}
	return ds, nil
}

func (s *dataSourceService) List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error) {
	return s.repo.List(ctx, organisationID)
}

func (s *dataSourceService) Update(ctx context.Context, ds *models.DataSource) error {
	existing, err := s.LoadDataSource(ctx, ds.ID)
	if err != nil {
		return err
	}

	config := ds.Config
	if config == nil {
		config = existing.Config
	}

	if _, err := s.factory.New(string(ds.ProviderType), config); err != nil {
		return err
	}

	encrypted, err := s.encryptor.EncryptConfig(config)
	if err != nil {
		return fmt.Errorf("failed to encrypt config: %w", err)
	}

	return s.repo.Update(ctx, ds, encrypted)
}

func (s *dataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	ds, err := s.LoadDataSource(ctx, id)
	if err != nil {
		return err
	}

	// Best effort: the provider may have already dropped the webhook
	if ds.WebhookID != "" {
		if adaptor, err := s.Adaptor(ctx, ds); err == nil {
			if mgr, ok := adaptor.(provider.WebhookManager); ok {
				if err := mgr.RemoveWebhooks(ctx); err != nil {
					s.logger.Warn("failed to remove provider webhooks",
						zap.String("data_source_id", id.String()), zap.Error(err))
				}
			}
		}
	}

	return s.repo.Delete(ctx, id)
}

func (s *dataSourceService) TriggerSync(ctx context.Context, id uuid.UUID) error {
	ds, err := s.LoadDataSource(ctx, id)
	if err != nil {
		return err
	}

	if err := s.tracker.MarkAllChanged(ctx, ds); err != nil {
		return err
	}

	if _, err := s.scheduler.EnqueueImport(ctx, id, nil); err != nil {
		return err
	}
	if _, err := s.scheduler.EnqueueEnrich(ctx, id); err != nil {
		return err
	}

	s.logger.Info("full re-sync triggered", zap.String("data_source_id", id.String()))
	return nil
}

func (s *dataSourceService) Adaptor(ctx context.Context, ds *models.DataSource) (provider.Adaptor, error) {
	if ds.Config == nil {
		loaded, err := s.LoadDataSource(ctx, ds.ID)
		if err != nil {
			return nil, err
		}
		ds = loaded
	}
	return s.factory.New(string(ds.ProviderType), ds.Config)
}
