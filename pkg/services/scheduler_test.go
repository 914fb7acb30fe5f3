package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/config"
	"github.com/mapfold/atlas-engine/pkg/models"
)

type stubImportPipeline struct {
	runs  atomic.Int32
	block chan struct{}
	err   error

	// ignoreCancel makes a blocked run outlive its context, like a
	// provider call stuck past the shutdown deadline.
	ignoreCancel bool
}

func (p *stubImportPipeline) Run(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) error {
	p.runs.Add(1)
	if p.block != nil {
		if p.ignoreCancel {
			<-p.block
			return p.err
		}
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

type stubEnrichPipeline struct {
	runs atomic.Int32
}

func (p *stubEnrichPipeline) Run(ctx context.Context, dataSourceID uuid.UUID) error {
	p.runs.Add(1)
	return nil
}

func schedulerFixture(t *testing.T, imports ImportPipeline, sink func(CompletionEvent)) (Scheduler, *fakeJobRepo) {
	t.Helper()

	jobs := newFakeJobRepo()
	cfg := config.SchedulerConfig{Workers: 4, MaxRetries: 0}
	s := NewScheduler(jobs, imports, &stubEnrichPipeline{}, newFakeDataSourceRepo(),
		nil, cfg, sink, zap.NewNop())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, jobs
}

func TestScheduler_RunsJobToCompletion(t *testing.T) {
	imports := &stubImportPipeline{}
	s, jobs := schedulerFixture(t, imports, nil)

	target := uuid.New()
	created, err := s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)
	assert.True(t, created)

	require.Eventually(t, func() bool {
		job, err := jobs.GetLatest(t.Context(), TaskImport, target.String())
		return err == nil && job.Status == models.JobStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), imports.runs.Load())

	info, err := s.Status(t.Context(), TaskImport, target.String())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, info.Status)
	assert.NotNil(t, info.LastCompletedAt)
}

func TestScheduler_CoalescesDuplicateEnqueues(t *testing.T) {
	imports := &stubImportPipeline{block: make(chan struct{})}
	s, _ := schedulerFixture(t, imports, nil)

	target := uuid.New()
	created, err := s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)
	require.True(t, created)

	// Wait for the job to actually start running
	require.Eventually(t, func() bool {
		info, err := s.Status(t.Context(), TaskImport, target.String())
		return err == nil && info.Status == models.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	// A second enqueue while in flight coalesces
	created, err = s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)
	assert.False(t, created)

	close(imports.block)

	require.Eventually(t, func() bool {
		info, err := s.Status(t.Context(), TaskImport, target.String())
		return err == nil && info.Status == models.JobStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), imports.runs.Load(), "exactly one execution for the coalesced pair")
}

func TestScheduler_DifferentTargetsRunIndependently(t *testing.T) {
	imports := &stubImportPipeline{}
	s, _ := schedulerFixture(t, imports, nil)

	targetA, targetB := uuid.New(), uuid.New()
	createdA, err := s.EnqueueImport(t.Context(), targetA, nil)
	require.NoError(t, err)
	createdB, err := s.EnqueueImport(t.Context(), targetB, nil)
	require.NoError(t, err)
	assert.True(t, createdA)
	assert.True(t, createdB)

	require.Eventually(t, func() bool {
		return imports.runs.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_FailureIsTerminalAndQueryable(t *testing.T) {
	imports := &stubImportPipeline{err: errors.New("missing api_key")}

	var events []CompletionEvent
	done := make(chan struct{})
	sink := func(ev CompletionEvent) {
		events = append(events, ev)
		if ev.Status == models.JobStatusFailed {
			close(done)
		}
	}
	s, _ := schedulerFixture(t, imports, sink)

	target := uuid.New()
	_, err := s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	info, err := s.Status(t.Context(), TaskImport, target.String())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, info.Status)
	assert.Contains(t, info.Error, "missing api_key")
	assert.Nil(t, info.LastCompletedAt)

	last := events[len(events)-1]
	assert.Equal(t, TaskImport, last.TaskName)
	assert.Equal(t, target.String(), last.TargetKey)
}

func TestScheduler_StragglerPastStopDeadlineDoesNotCrash(t *testing.T) {
	imports := &stubImportPipeline{block: make(chan struct{}), ignoreCancel: true}
	jobs := newFakeJobRepo()
	cfg := config.SchedulerConfig{Workers: 1, MaxRetries: 0}
	s := NewScheduler(jobs, imports, &stubEnrichPipeline{}, newFakeDataSourceRepo(),
		nil, cfg, nil, zap.NewNop())
	s.(*scheduler).drainTimeout = 50 * time.Millisecond
	require.NoError(t, s.Start())

	target := uuid.New()
	_, err := s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := s.Status(t.Context(), TaskImport, target.String())
		return err == nil && info.Status == models.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the drain deadline")
	}

	// The straggler finishes only now. Its terminal transition must be
	// absorbed quietly, not crash the process.
	close(imports.block)
	time.Sleep(100 * time.Millisecond)
}

func TestScheduler_TerminalTransitionsSurviveMirrorBacklog(t *testing.T) {
	imports := &stubImportPipeline{}
	jobs := newFakeJobRepo()
	jobs.transitionDelay = time.Millisecond

	cfg := config.SchedulerConfig{Workers: 8, MaxRetries: 0}
	s := NewScheduler(jobs, imports, &stubEnrichPipeline{}, newFakeDataSourceRepo(),
		nil, cfg, nil, zap.NewNop())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	// Fast tasks against a slow status store pile transitions up far
	// faster than the mirror can write them.
	targets := make([]uuid.UUID, 300)
	for i := range targets {
		targets[i] = uuid.New()
		created, err := s.EnqueueImport(t.Context(), targets[i], nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	// Every job row must reach complete; a lost completion would leave a
	// row live and wedge its (task, target) pair forever.
	require.Eventually(t, func() bool {
		for _, target := range targets {
			job, err := jobs.GetLatest(t.Context(), TaskImport, target.String())
			if err != nil || job.Status != models.JobStatusComplete {
				return false
			}
		}
		return true
	}, 20*time.Second, 50*time.Millisecond)

	created, err := s.EnqueueImport(t.Context(), targets[0], nil)
	require.NoError(t, err)
	assert.True(t, created, "a completed pair must accept a fresh enqueue")
}

func TestScheduler_StatusForUnknownPair(t *testing.T) {
	s, _ := schedulerFixture(t, &stubImportPipeline{}, nil)

	info, err := s.Status(t.Context(), TaskImport, uuid.New().String())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNone, info.Status)
	assert.Nil(t, info.LastCompletedAt)
}

func TestScheduler_EnrichAndImportKeysAreDistinct(t *testing.T) {
	imports := &stubImportPipeline{block: make(chan struct{})}
	s, _ := schedulerFixture(t, imports, nil)

	target := uuid.New()
	_, err := s.EnqueueImport(t.Context(), target, nil)
	require.NoError(t, err)

	// Enrich for the same target is a different task name, never coalesced
	// with the import.
	created, err := s.EnqueueEnrich(t.Context(), target)
	require.NoError(t, err)
	assert.True(t, created)

	close(imports.block)
}
