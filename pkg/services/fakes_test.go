package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
)

// fakeRecordRepo is an in-memory RecordRepository keyed the way the real
// table is: (data source, external ID) unique.
type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[string]*models.DataRecord

	upsertBatches int
	failOnBatch   int // 1-based; 0 disables
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: make(map[string]*models.DataRecord)}
}

func recordKey(dataSourceID uuid.UUID, externalID string) string {
	return dataSourceID.String() + "/" + externalID
}

func (f *fakeRecordRepo) UpsertBatch(ctx context.Context, dataSourceID uuid.UUID, records []repositories.UpsertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertBatches++
	if f.failOnBatch > 0 && f.upsertBatches >= f.failOnBatch {
		return fmt.Errorf("upsert batch %d: connection reset", f.upsertBatches)
	}

	for _, rec := range records {
		key := recordKey(dataSourceID, rec.ExternalID)
		existing, ok := f.records[key]
		if !ok {
			existing = &models.DataRecord{
				ID:           uuid.New(),
				DataSourceID: dataSourceID,
				ExternalID:   rec.ExternalID,
			}
			f.records[key] = existing
		}
		existing.JSON = rec.JSON
		existing.NeedsImport = false
		existing.NeedsEnrich = true
	}
	return nil
}

func (f *fakeRecordRepo) MarkDirtyBatch(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string, needsImport, needsEnrich bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range externalIDs {
		key := recordKey(dataSourceID, id)
		rec, ok := f.records[key]
		if !ok {
			rec = &models.DataRecord{
				ID:           uuid.New(),
				DataSourceID: dataSourceID,
				ExternalID:   id,
				JSON:         map[string]any{},
			}
			f.records[key] = rec
		}
		rec.NeedsImport = rec.NeedsImport || needsImport
		rec.NeedsEnrich = rec.NeedsEnrich || needsEnrich
	}
	return nil
}

func (f *fakeRecordRepo) MarkAllDirty(ctx context.Context, dataSourceID uuid.UUID, needsImport, needsEnrich bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range f.records {
		if rec.DataSourceID != dataSourceID {
			continue
		}
		rec.NeedsImport = rec.NeedsImport || needsImport
		rec.NeedsEnrich = rec.NeedsEnrich || needsEnrich
	}
	return nil
}

func (f *fakeRecordRepo) DeleteByExternalIDs(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0
	for _, id := range externalIDs {
		key := recordKey(dataSourceID, id)
		if _, ok := f.records[key]; ok {
			delete(f.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeRecordRepo) ListNeedingEnrich(ctx context.Context, dataSourceID uuid.UUID, limit int) ([]*models.DataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.DataRecord
	for _, rec := range f.records {
		if rec.DataSourceID == dataSourceID && rec.NeedsEnrich {
			copied := *rec
			out = append(out, &copied)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRecordRepo) ApplyEnrichmentBatch(ctx context.Context, records []repositories.EnrichedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, enriched := range records {
		for _, rec := range f.records {
			if rec.ID != enriched.ID {
				continue
			}
			rec.Derived = enriched.Derived
			rec.Geocode = enriched.Geocode
			rec.GeocodePoint = enriched.Point
			rec.NeedsEnrich = false
		}
	}
	return nil
}

func (f *fakeRecordRepo) GetByExternalID(ctx context.Context, dataSourceID uuid.UUID, externalID string) (*models.DataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.records[recordKey(dataSourceID, externalID)]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeRecordRepo) FindByAreaCode(ctx context.Context, dataSourceID uuid.UUID, areaSetCode, areaCode string) (*models.DataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range f.records {
		if rec.DataSourceID != dataSourceID || rec.Geocode == nil {
			continue
		}
		if rec.Geocode.Areas[areaSetCode] == areaCode {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeRecordRepo) FindByColumnValue(ctx context.Context, dataSourceID uuid.UUID, column, value string) (*models.DataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range f.records {
		if rec.DataSourceID != dataSourceID {
			continue
		}
		if s, ok := rec.JSON[column].(string); ok && s == value {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeRecordRepo) Count(ctx context.Context, dataSourceID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, rec := range f.records {
		if rec.DataSourceID == dataSourceID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRecordRepo) CountDirty(ctx context.Context, dataSourceID uuid.UUID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var needsImport, needsEnrich int
	for _, rec := range f.records {
		if rec.DataSourceID != dataSourceID {
			continue
		}
		if rec.NeedsImport {
			needsImport++
		}
		if rec.NeedsEnrich {
			needsEnrich++
		}
	}
	return needsImport, needsEnrich, nil
}

var _ repositories.RecordRepository = (*fakeRecordRepo)(nil)

// fakeAreaRepo serves a fixed set of areas with point containment decided by
// bounding boxes, enough to exercise the cascade without PostGIS.
type fakeAreaRepo struct {
	sets  map[string]*models.AreaSet
	areas []*fakeArea
}

type fakeArea struct {
	area           *models.Area
	minLng, minLat float64
	maxLng, maxLat float64
}

func newFakeAreaRepo() *fakeAreaRepo {
	return &fakeAreaRepo{sets: make(map[string]*models.AreaSet)}
}

func (f *fakeAreaRepo) addSet(code string) *models.AreaSet {
	set := &models.AreaSet{ID: uuid.New(), Code: code, Name: code}
	f.sets[code] = set
	return set
}

func (f *fakeAreaRepo) addArea(setCode, code, name string, sample models.Point, bounds [4]float64) *models.Area {
	set := f.sets[setCode]
	area := &models.Area{
		ID:          uuid.New(),
		AreaSetID:   set.ID,
		AreaSetCode: setCode,
		Code:        code,
		Name:        name,
		SamplePoint: sample,
		Centroid:    sample,
	}
	f.areas = append(f.areas, &fakeArea{
		area:   area,
		minLng: bounds[0], minLat: bounds[1],
		maxLng: bounds[2], maxLat: bounds[3],
	})
	return area
}

func (f *fakeAreaRepo) GetAreaSetByCode(ctx context.Context, code string) (*models.AreaSet, error) {
	if set, ok := f.sets[code]; ok {
		return set, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeAreaRepo) CreateAreaSet(ctx context.Context, set *models.AreaSet) error {
	f.sets[set.Code] = set
	return nil
}

func (f *fakeAreaRepo) CreateArea(ctx context.Context, area *models.Area, geometryWKT string) error {
	return fmt.Errorf("not supported in fake")
}

func (f *fakeAreaRepo) FindByCode(ctx context.Context, areaSetCode, code string) (*models.Area, error) {
	for _, fa := range f.areas {
		if fa.area.AreaSetCode == areaSetCode && fa.area.Code == code {
			return fa.area, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeAreaRepo) FindByName(ctx context.Context, areaSetCode, name string) (*models.Area, error) {
	for _, fa := range f.areas {
		if fa.area.AreaSetCode == areaSetCode && fa.area.Name == name {
			return fa.area, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeAreaRepo) contains(fa *fakeArea, point models.Point) bool {
	return point.Lng >= fa.minLng && point.Lng <= fa.maxLng &&
		point.Lat >= fa.minLat && point.Lat <= fa.maxLat
}

func (f *fakeAreaRepo) FindContainingPoint(ctx context.Context, areaSetCode string, point models.Point) (*models.Area, error) {
	for _, fa := range f.areas {
		if fa.area.AreaSetCode == areaSetCode && f.contains(fa, point) {
			return fa.area, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeAreaRepo) FindContainingInOtherSets(ctx context.Context, sourceAreaSetID uuid.UUID, point models.Point) ([]*models.Area, error) {
	seen := make(map[uuid.UUID]bool)
	var out []*models.Area
	for _, fa := range f.areas {
		if fa.area.AreaSetID == sourceAreaSetID || seen[fa.area.AreaSetID] {
			continue
		}
		if f.contains(fa, point) {
			seen[fa.area.AreaSetID] = true
			out = append(out, fa.area)
		}
	}
	return out, nil
}

var _ repositories.AreaRepository = (*fakeAreaRepo)(nil)

// fakeJobRepo mirrors the live-job unique index in memory. A non-zero
// transitionDelay slows every status write to simulate a sluggish database.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs []*models.Job

	transitionDelay time.Duration
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{} }

func (f *fakeJobRepo) CreatePending(ctx context.Context, job *models.Job) (bool, *models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.jobs {
		if existing.TaskName == job.TaskName && existing.TargetKey == job.TargetKey &&
			(existing.Status == models.JobStatusPending || existing.Status == models.JobStatusRunning) {
			return false, existing, nil
		}
	}

	job.ID = uuid.New()
	job.Status = models.JobStatusPending
	f.jobs = append(f.jobs, job)
	return true, job, nil
}

func (f *fakeJobRepo) setStatus(id uuid.UUID, status models.JobStatus, errMsg string) error {
	if f.transitionDelay > 0 {
		time.Sleep(f.transitionDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range f.jobs {
		if job.ID == id {
			job.Status = status
			job.Error = errMsg
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (f *fakeJobRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return f.setStatus(id, models.JobStatusRunning, "")
}

func (f *fakeJobRepo) MarkComplete(ctx context.Context, id uuid.UUID) error {
	return f.setStatus(id, models.JobStatusComplete, "")
}

func (f *fakeJobRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return f.setStatus(id, models.JobStatusFailed, errMsg)
}

func (f *fakeJobRepo) GetLatest(ctx context.Context, taskName, targetKey string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.jobs) - 1; i >= 0; i-- {
		if f.jobs[i].TaskName == taskName && f.jobs[i].TargetKey == targetKey {
			return f.jobs[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeJobRepo) LastCompletedAt(ctx context.Context, taskName, targetKey string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.jobs) - 1; i >= 0; i-- {
		job := f.jobs[i]
		if job.TaskName == taskName && job.TargetKey == targetKey && job.Status == models.JobStatusComplete {
			if job.CompletedAt == nil {
				now := time.Now()
				job.CompletedAt = &now
			}
			return job.CompletedAt, nil
		}
	}
	return nil, nil
}

var _ repositories.JobRepository = (*fakeJobRepo)(nil)

// fakeSourceLoader serves data sources from a map, already "decrypted".
type fakeSourceLoader struct {
	sources map[uuid.UUID]*models.DataSource
}

func newFakeSourceLoader(sources ...*models.DataSource) *fakeSourceLoader {
	m := make(map[uuid.UUID]*models.DataSource, len(sources))
	for _, ds := range sources {
		m[ds.ID] = ds
	}
	return &fakeSourceLoader{sources: m}
}

func (f *fakeSourceLoader) LoadDataSource(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	if ds, ok := f.sources[id]; ok {
		return ds, nil
	}
	return nil, apperrors.ErrNotFound
}

var _ SourceLoader = (*fakeSourceLoader)(nil)

// fakeDataSourceRepo records the side effects pipelines apply to the data
// source row.
type fakeDataSourceRepo struct {
	mu          sync.Mutex
	autoImport  []*models.DataSource
	recordCount map[uuid.UUID]int
	columns     map[uuid.UUID][]models.ColumnDef
	cursors     map[uuid.UUID]int
	webhookIDs  map[uuid.UUID]string
}

func newFakeDataSourceRepo() *fakeDataSourceRepo {
	return &fakeDataSourceRepo{
		recordCount: make(map[uuid.UUID]int),
		columns:     make(map[uuid.UUID][]models.ColumnDef),
		cursors:     make(map[uuid.UUID]int),
		webhookIDs:  make(map[uuid.UUID]string),
	}
}

func (f *fakeDataSourceRepo) Create(ctx context.Context, ds *models.DataSource, encryptedConfig string) error {
	return nil
}

func (f *fakeDataSourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	return nil, "", apperrors.ErrNotFound
}

func (f *fakeDataSourceRepo) List(ctx context.Context, organisationID uuid.UUID) ([]*models.DataSource, error) {
	return nil, nil
}

func (f *fakeDataSourceRepo) ListAutoImport(ctx context.Context) ([]*models.DataSource, error) {
	return f.autoImport, nil
}

func (f *fakeDataSourceRepo) Update(ctx context.Context, ds *models.DataSource, encryptedConfig string) error {
	return nil
}

func (f *fakeDataSourceRepo) UpdateColumns(ctx context.Context, id uuid.UUID, columns []models.ColumnDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[id] = columns
	return nil
}

func (f *fakeDataSourceRepo) UpdateRecordCount(ctx context.Context, id uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCount[id] = count
	return nil
}

func (f *fakeDataSourceRepo) UpdateWebhook(ctx context.Context, id uuid.UUID, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookIDs[id] = webhookID
	return nil
}

func (f *fakeDataSourceRepo) GetWebhookCursor(ctx context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[id], nil
}

func (f *fakeDataSourceRepo) UpdateWebhookCursor(ctx context.Context, id uuid.UUID, cursor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[id] = cursor
	return nil
}

func (f *fakeDataSourceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return nil
}

var _ repositories.DataSourceRepository = (*fakeDataSourceRepo)(nil)
