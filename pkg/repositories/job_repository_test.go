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

func setupJobTest(t *testing.T) JobRepository {
	db := testhelpers.GetTestDB(t)
	return NewJobRepository(db.DB)
}

// jobTarget returns a target key unique to this run so tests can share
// the jobs table.
func jobTarget() string {
	return "ds-" + uuid.NewString()[:8]
}

func TestJobRepository_CreatePending(t *testing.T) {
	repo := setupJobTest(t)
	ctx := context.Background()
	target := jobTarget()

	job := &models.Job{
		TaskName:  "import",
		TargetKey: target,
		Args:      map[string]any{"batch_size": float64(100)},
	}
	created, got, err := repo.CreatePending(ctx, job)
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create a job")
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("expected pending status, got '%s'", got.Status)
	}

	latest, err := repo.GetLatest(ctx, "import", target)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.ID != job.ID {
		t.Errorf("expected latest job %s, got %s", job.ID, latest.ID)
	}
	if latest.Args["batch_size"] != float64(100) {
		t.Errorf("args not persisted: %+v", latest.Args)
	}
}

func TestJobRepository_DuplicateEnqueueCoalesces(t *testing.T) {
	repo := setupJobTest(t)
	ctx := context.Background()
	target := jobTarget()

	first := &models.Job{TaskName: "import", TargetKey: target}
	if created, _, err := repo.CreatePending(ctx, first); err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}

	second := &models.Job{TaskName: "import", TargetKey: target}
	created, existing, err := repo.CreatePending(ctx, second)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate enqueue to coalesce")
	}
	if existing.ID != first.ID {
		t.Errorf("expected existing job %s, got %s", first.ID, existing.ID)
	}

	// Coalescing also applies while the job is running
	if err := repo.MarkRunning(ctx, first.ID); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	created, existing, err = repo.CreatePending(ctx, &models.Job{TaskName: "import", TargetKey: target})
	if err != nil {
		t.Fatalf("enqueue while running failed: %v", err)
	}
	if created || existing.ID != first.ID {
		t.Errorf("expected coalesce onto running job, created=%v id=%s", created, existing.ID)
	}

	// A different task for the same target is independent
	created, _, err = repo.CreatePending(ctx, &models.Job{TaskName: "enrich", TargetKey: target})
	if err != nil || !created {
		t.Errorf("expected independent enrich job: created=%v err=%v", created, err)
	}
}

func TestJobRepository_CompleteFreesTheSlot(t *testing.T) {
	repo := setupJobTest(t)
	ctx := context.Background()
	target := jobTarget()

	first := &models.Job{TaskName: "import", TargetKey: target}
	if _, _, err := repo.CreatePending(ctx, first); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if err := repo.MarkRunning(ctx, first.ID); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := repo.MarkComplete(ctx, first.ID); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	second := &models.Job{TaskName: "import", TargetKey: target}
	created, _, err := repo.CreatePending(ctx, second)
	if err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh job after completion")
	}

	latest, err := repo.GetLatest(ctx, "import", target)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("expected newest job %s, got %s", second.ID, latest.ID)
	}

	last, err := repo.LastCompletedAt(ctx, "import", target)
	if err != nil {
		t.Fatalf("LastCompletedAt failed: %v", err)
	}
	if last == nil {
		t.Fatal("expected completion time after MarkComplete")
	}
}

func TestJobRepository_FailureStoresError(t *testing.T) {
	repo := setupJobTest(t)
	ctx := context.Background()
	target := jobTarget()

	job := &models.Job{TaskName: "enrich", TargetKey: target}
	if _, _, err := repo.CreatePending(ctx, job); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if err := repo.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := repo.MarkFailed(ctx, job.ID, "provider timeout"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	latest, err := repo.GetLatest(ctx, "enrich", target)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.Status != models.JobStatusFailed {
		t.Errorf("expected failed status, got '%s'", latest.Status)
	}
	if latest.Error != "provider timeout" {
		t.Errorf("expected stored error message, got '%s'", latest.Error)
	}
	if latest.CompletedAt == nil {
		t.Error("expected completed_at set on failure")
	}

	last, err := repo.LastCompletedAt(ctx, "enrich", target)
	if err != nil {
		t.Fatalf("LastCompletedAt failed: %v", err)
	}
	if last != nil {
		t.Error("failed runs must not count as completions")
	}
}

func TestJobRepository_UnknownJob(t *testing.T) {
	repo := setupJobTest(t)
	ctx := context.Background()

	if err := repo.MarkRunning(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from MarkRunning, got %v", err)
	}
	if err := repo.MarkComplete(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from MarkComplete, got %v", err)
	}
	if err := repo.MarkFailed(ctx, uuid.New(), "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from MarkFailed, got %v", err)
	}
	if _, err := repo.GetLatest(ctx, "import", jobTarget()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from GetLatest, got %v", err)
	}
}
