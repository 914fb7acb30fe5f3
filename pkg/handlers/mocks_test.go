package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/mapfold/atlas-engine/pkg/adapters/provider"
	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/services"
)

// mockDataSourceService is a configurable mock for all handler tests.
type mockDataSourceService struct {
	ds      *models.DataSource
	sources []*models.DataSource
	err     error

	created *models.DataSource
	updated *models.DataSource
	deleted []uuid.UUID
	synced  []uuid.UUID
}

func (m *mockDataSourceService) Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	m.created = ds
	return ds, nil
}

func (m *mockDataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.ds == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.ds, nil
}

func (m *mockDataSourceService) LoadDataSource(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	return m.Get(ctx, id)
}

func (m *mockDataSourceService) List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sources, nil
}

func (m *mockDataSourceService) Update(ctx context.Context, ds *models.DataSource) error {
	if m.err != nil {
		return m.err
	}
	m.updated = ds
	return nil
}

func (m *mockDataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockDataSourceService) TriggerSync(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.synced = append(m.synced, id)
	return nil
}

func (m *mockDataSourceService) Adaptor(ctx context.Context, ds *models.DataSource) (provider.Adaptor, error) {
	return nil, apperrors.ErrUnsupportedProvider
}

// mockWebhookService records notifications and registrations.
type mockWebhookService struct {
	err error

	notified   []uuid.UUID
	bodies     [][]byte
	registered []uuid.UUID
}

func (m *mockWebhookService) ProcessNotification(ctx context.Context, dataSourceID uuid.UUID, body []byte) error {
	m.notified = append(m.notified, dataSourceID)
	m.bodies = append(m.bodies, body)
	return m.err
}

func (m *mockWebhookService) Register(ctx context.Context, dataSourceID uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.registered = append(m.registered, dataSourceID)
	return nil
}

func (m *mockWebhookService) RefreshWebhooks(ctx context.Context) error { return m.err }

// mockScheduler serves canned status responses.
type mockScheduler struct {
	info *services.JobStatusInfo
	err  error
}

func (m *mockScheduler) EnqueueImport(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (bool, error) {
	return true, m.err
}

func (m *mockScheduler) EnqueueEnrich(ctx context.Context, dataSourceID uuid.UUID) (bool, error) {
	return true, m.err
}

func (m *mockScheduler) Status(ctx context.Context, taskName, targetKey string) (*services.JobStatusInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.info, nil
}

func (m *mockScheduler) Start() error { return nil }
func (m *mockScheduler) Stop()        {}

// mockAreaRepo serves one area for every lookup mode.
type mockAreaRepo struct {
	area *models.Area
	err  error

	lastCode  string
	lastName  string
	lastPoint models.Point
}

func (m *mockAreaRepo) GetAreaSetByCode(ctx context.Context, code string) (*models.AreaSet, error) {
	return nil, apperrors.ErrNotFound
}

func (m *mockAreaRepo) CreateAreaSet(ctx context.Context, set *models.AreaSet) error { return nil }

func (m *mockAreaRepo) CreateArea(ctx context.Context, area *models.Area, geometryWKT string) error {
	return nil
}

func (m *mockAreaRepo) FindByCode(ctx context.Context, areaSetCode, code string) (*models.Area, error) {
	m.lastCode = code
	if m.err != nil {
		return nil, m.err
	}
	if m.area == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.area, nil
}

func (m *mockAreaRepo) FindByName(ctx context.Context, areaSetCode, name string) (*models.Area, error) {
	m.lastName = name
	if m.err != nil {
		return nil, m.err
	}
	if m.area == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.area, nil
}

func (m *mockAreaRepo) FindContainingPoint(ctx context.Context, areaSetCode string, point models.Point) (*models.Area, error) {
	m.lastPoint = point
	if m.err != nil {
		return nil, m.err
	}
	if m.area == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.area, nil
}

func (m *mockAreaRepo) FindContainingInOtherSets(ctx context.Context, sourceAreaSetID uuid.UUID, point models.Point) ([]*models.Area, error) {
	return nil, nil
}
