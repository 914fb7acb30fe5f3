package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/testhelpers"
)

func setupDataSourceTest(t *testing.T) DataSourceRepository {
	db := testhelpers.GetTestDB(t)
	return NewDataSourceRepository(db.DB)
}

func testSource(name string) *models.DataSource {
	return &models.DataSource{
		OrganisationID: uuid.New(),
		Name:           name,
		ProviderType:   models.ProviderAirtable,
		Geocoding: &models.GeocodingConfig{
			Mode:        models.GeocodeByCode,
			AreaSetCode: "PC",
			Columns:     []string{"postcode"},
		},
		EnrichmentRules: []models.EnrichmentRule{{
			Source:       models.EnrichFromArea,
			Target:       "ward_name",
			AreaSetCode:  "WD23",
			AreaProperty: "name",
		}},
		AutoImport: true,
	}
}

func TestDataSourceRepository_CreateAndGet(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	ds := testSource("ds-test-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, "encrypted-blob"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	loaded, encrypted, err := repo.GetByID(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if encrypted != "encrypted-blob" {
		t.Errorf("expected encrypted config round trip, got '%s'", encrypted)
	}
	if loaded.Name != ds.Name {
		t.Errorf("expected name '%s', got '%s'", ds.Name, loaded.Name)
	}
	if loaded.Geocoding == nil || loaded.Geocoding.AreaSetCode != "PC" {
		t.Errorf("geocoding config not persisted: %+v", loaded.Geocoding)
	}
	if len(loaded.EnrichmentRules) != 1 || loaded.EnrichmentRules[0].Target != "ward_name" {
		t.Errorf("enrichment rules not persisted: %+v", loaded.EnrichmentRules)
	}
	if !loaded.AutoImport {
		t.Error("expected auto_import true")
	}

	if _, _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDataSourceRepository_DuplicateNameConflicts(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	ds := testSource("ds-dup-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := testSource(ds.Name)
	dup.OrganisationID = ds.OrganisationID
	if err := repo.Create(ctx, dup, ""); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate name, got %v", err)
	}

	// Same name in another organisation is fine
	other := testSource(ds.Name)
	if err := repo.Create(ctx, other, ""); err != nil {
		t.Errorf("expected cross-organisation duplicate to succeed, got %v", err)
	}
}

func TestDataSourceRepository_Update(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	ds := testSource("ds-upd-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, "old-blob"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ds.Name = ds.Name + "-renamed"
	ds.AutoEnrich = true
	ds.Geocoding = nil
	if err := repo.Update(ctx, ds, "new-blob"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	loaded, encrypted, err := repo.GetByID(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if encrypted != "new-blob" {
		t.Errorf("expected updated config, got '%s'", encrypted)
	}
	if loaded.Name != ds.Name {
		t.Errorf("expected renamed source, got '%s'", loaded.Name)
	}
	if !loaded.AutoEnrich {
		t.Error("expected auto_enrich true after update")
	}
	if loaded.Geocoding != nil {
		t.Error("expected geocoding config removed")
	}

	missing := testSource("ds-missing")
	missing.ID = uuid.New()
	if err := repo.Update(ctx, missing, ""); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDataSourceRepository_ImportSideEffects(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	ds := testSource("ds-fx-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	columns := []models.ColumnDef{
		{Name: "name", Type: "string"},
		{Name: "score", Type: "number"},
	}
	if err := repo.UpdateColumns(ctx, ds.ID, columns); err != nil {
		t.Fatalf("UpdateColumns failed: %v", err)
	}
	if err := repo.UpdateRecordCount(ctx, ds.ID, 42); err != nil {
		t.Fatalf("UpdateRecordCount failed: %v", err)
	}
	if err := repo.UpdateWebhook(ctx, ds.ID, "wh-99"); err != nil {
		t.Fatalf("UpdateWebhook failed: %v", err)
	}

	loaded, _, err := repo.GetByID(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(loaded.Columns) != 2 || loaded.Columns[1].Type != "number" {
		t.Errorf("columns not persisted: %+v", loaded.Columns)
	}
	if loaded.RecordCount != 42 {
		t.Errorf("expected record count 42, got %d", loaded.RecordCount)
	}
	if loaded.WebhookID != "wh-99" {
		t.Errorf("expected webhook id 'wh-99', got '%s'", loaded.WebhookID)
	}
}

func TestDataSourceRepository_WebhookCursor(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	ds := testSource("ds-cur-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cursor, err := repo.GetWebhookCursor(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetWebhookCursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected initial cursor 0, got %d", cursor)
	}

	if err := repo.UpdateWebhookCursor(ctx, ds.ID, 7); err != nil {
		t.Fatalf("UpdateWebhookCursor failed: %v", err)
	}
	cursor, err = repo.GetWebhookCursor(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetWebhookCursor failed: %v", err)
	}
	if cursor != 7 {
		t.Errorf("expected cursor 7, got %d", cursor)
	}
}

func TestDataSourceRepository_ListAutoImport(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	auto := testSource("ds-auto-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, auto, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	manual := testSource("ds-man-" + uuid.NewString()[:8])
	manual.AutoImport = false
	if err := repo.Create(ctx, manual, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sources, err := repo.ListAutoImport(ctx)
	if err != nil {
		t.Fatalf("ListAutoImport failed: %v", err)
	}

	var sawAuto, sawManual bool
	for _, ds := range sources {
		if ds.ID == auto.ID {
			sawAuto = true
		}
		if ds.ID == manual.ID {
			sawManual = true
		}
	}
	if !sawAuto {
		t.Error("expected auto-import source in sweep list")
	}
	if sawManual {
		t.Error("manual source must not appear in sweep list")
	}
}

func TestDataSourceRepository_ListByOrganisation(t *testing.T) {
	repo := setupDataSourceTest(t)
	ctx := context.Background()

	org := uuid.New()
	a := testSource("ds-list-a-" + uuid.NewString()[:8])
	a.OrganisationID = org
	b := testSource("ds-list-b-" + uuid.NewString()[:8])
	b.OrganisationID = org
	other := testSource("ds-list-c-" + uuid.NewString()[:8])
	for _, ds := range []*models.DataSource{a, b, other} {
		if err := repo.Create(ctx, ds, ""); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	sources, err := repo.List(ctx, org)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources for organisation, got %d", len(sources))
	}
	for _, ds := range sources {
		if ds.OrganisationID != org {
			t.Errorf("source %s belongs to wrong organisation", ds.Name)
		}
	}
}

func TestDataSourceRepository_DeleteCascadesRecords(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewDataSourceRepository(db.DB)
	records := NewRecordRepository(db.DB)
	ctx := context.Background()

	ds := testSource("ds-del-" + uuid.NewString()[:8])
	if err := repo.Create(ctx, ds, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := records.UpsertBatch(ctx, ds.ID, []UpsertRecord{
		{ExternalID: "rec-1", JSON: map[string]any{}},
	}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	if err := repo.Delete(ctx, ds.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, _, err := repo.GetByID(ctx, ds.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	count, err := records.Count(ctx, ds.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected records cascade-deleted, got %d", count)
	}

	if err := repo.Delete(ctx, ds.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
