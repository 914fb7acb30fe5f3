package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
	"github.com/mapfold/atlas-engine/pkg/config"
	"github.com/mapfold/atlas-engine/pkg/models"
	"github.com/mapfold/atlas-engine/pkg/repositories"
	"github.com/mapfold/atlas-engine/pkg/services/workqueue"
)

// Task names for the two pipeline job types.
const (
	TaskImport = "import"
	TaskEnrich = "enrich"
)

// CompletionEvent is emitted when a job reaches a terminal state.
// Consumed by injected subscribers, not a global bus.
type CompletionEvent struct {
	TaskName  string
	TargetKey string
	Status    models.JobStatus
	Error     string
}

// JobStatusInfo is the answer to a status query.
type JobStatusInfo struct {
	Status          models.JobStatus `json:"status"`
	Error           string           `json:"error,omitempty"`
	LastCompletedAt *time.Time       `json:"last_completed_at,omitempty"`
}

// WebhookRefresher re-registers provider webhooks. Implemented by the
// webhook service; injected so the scheduler can drive it from cron.
type WebhookRefresher interface {
	RefreshWebhooks(ctx context.Context) error
}

// Scheduler bridges the in-process work queue to persisted job records and
// runs the recurring cron entries.
type Scheduler interface {
	// EnqueueImport schedules an import run. A nil externalIDs means a
	// full fetch. Returns false when coalesced into an in-flight run.
	EnqueueImport(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (bool, error)

	// EnqueueEnrich schedules an enrichment run. Returns false when
	// coalesced into an in-flight run.
	EnqueueEnrich(ctx context.Context, dataSourceID uuid.UUID) (bool, error)

	// Status reports the latest job state for (taskName, targetKey) plus
	// the last successful completion time. A pair never enqueued reports
	// JobStatusNone.
	Status(ctx context.Context, taskName, targetKey string) (*JobStatusInfo, error)

	// Start begins cron schedules and the job state mirror.
	Start() error

	// Stop cancels running work and stops cron. Blocks until the state
	// mirror drains.
	Stop()
}

type scheduler struct {
	queue   *workqueue.Queue
	jobs    repositories.JobRepository
	imports ImportPipeline
	enrich  EnrichmentPipeline
	dsRepo  repositories.DataSourceRepository
	refresh WebhookRefresher
	cfg     config.SchedulerConfig
	cron    *cron.Cron
	sink    func(CompletionEvent)
	logger  *zap.Logger

	// drainTimeout bounds how long Stop waits for running tasks.
	drainTimeout time.Duration

	// jobIDs maps queue task IDs to persisted job rows. backlog holds
	// transitions awaiting the mirror goroutine; it is unbounded so a slow
	// database write can never force a terminal transition to be dropped,
	// which would leave a job row live and wedge coalescing for its key.
	mu      sync.Mutex
	jobIDs  map[string]uuid.UUID
	backlog []workqueue.TaskSnapshot
	stopped bool

	notify  chan struct{}
	drained chan struct{}
}

// NewScheduler creates a scheduler. sink may be nil; refresh may be nil when
// no webhook-capable providers are configured.
func NewScheduler(
	jobs repositories.JobRepository,
	imports ImportPipeline,
	enrich EnrichmentPipeline,
	dsRepo repositories.DataSourceRepository,
	refresh WebhookRefresher,
	cfg config.SchedulerConfig,
	sink func(CompletionEvent),
	logger *zap.Logger,
) Scheduler {
	s := &scheduler{
		jobs:         jobs,
		imports:      imports,
		enrich:       enrich,
		dsRepo:       dsRepo,
		refresh:      refresh,
		cfg:          cfg,
		cron:         cron.New(),
		sink:         sink,
		logger:       logger.Named("scheduler"),
		drainTimeout: 10 * time.Second,
		jobIDs:       make(map[string]uuid.UUID),
		notify:       make(chan struct{}, 1),
		drained:      make(chan struct{}),
	}

	s.queue = workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewKeyedStrategy(cfg.Workers)),
		workqueue.WithRetryConfig(workqueue.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
		}))

	// Invoked under the queue lock, so only an append happens here. After
	// Stop a straggling task may still report its terminal state; the
	// mirror is gone by then, so the transition is ignored rather than
	// delivered to a closed consumer.
	s.queue.SetOnTransition(func(snap workqueue.TaskSnapshot) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			s.logger.Warn("transition after scheduler stop, ignoring",
				zap.String("task_id", snap.ID),
				zap.String("status", string(snap.Status)))
			return
		}
		s.backlog = append(s.backlog, snap)
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
	})

	return s
}

func (s *scheduler) Start() error {
	go s.mirrorTransitions()

	if s.cfg.AutoImportCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.AutoImportCron, s.autoImportSweep); err != nil {
			return fmt.Errorf("invalid auto-import cron spec: %w", err)
		}
	}
	if s.cfg.WebhookRefreshCron != "" && s.refresh != nil {
		if _, err := s.cron.AddFunc(s.cfg.WebhookRefreshCron, s.refreshWebhooks); err != nil {
			return fmt.Errorf("invalid webhook-refresh cron spec: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.String("auto_import_cron", s.cfg.AutoImportCron),
		zap.String("webhook_refresh_cron", s.cfg.WebhookRefreshCron))
	return nil
}

func (s *scheduler) Stop() {
	s.cron.Stop()
	s.queue.Cancel()

	// Running tasks emit their terminal transition before the queue
	// reports done; a task that outlives the timeout has its late
	// transition ignored by the callback instead of crashing the mirror.
	waitCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := s.queue.Wait(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug("queue drained with failures", zap.Error(err))
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	<-s.drained
	s.logger.Info("scheduler stopped")
}

func (s *scheduler) EnqueueImport(ctx context.Context, dataSourceID uuid.UUID, externalIDs []string) (bool, error) {
	var args map[string]any
	if externalIDs != nil {
		args = map[string]any{"external_ids": externalIDs}
	}
	task := &pipelineTask{
		BaseTask: workqueue.NewBaseTask(TaskImport, dataSourceID.String()),
		run: func(ctx context.Context) error {
			return s.imports.Run(ctx, dataSourceID, externalIDs)
		},
	}
	return s.enqueue(ctx, task, args)
}

func (s *scheduler) EnqueueEnrich(ctx context.Context, dataSourceID uuid.UUID) (bool, error) {
	task := &pipelineTask{
		BaseTask: workqueue.NewBaseTask(TaskEnrich, dataSourceID.String()),
		run: func(ctx context.Context) error {
			return s.enrich.Run(ctx, dataSourceID)
		},
	}
	return s.enqueue(ctx, task, nil)
}

// enqueue persists the pending job row first, then hands the task to the
// queue. The live-job unique index makes coalescing atomic even across
// racing enqueues.
func (s *scheduler) enqueue(ctx context.Context, task *pipelineTask, args map[string]any) (bool, error) {
	job := &models.Job{
		TaskName:  task.Name(),
		TargetKey: task.TargetKey(),
		Args:      args,
	}
	created, existing, err := s.jobs.CreatePending(ctx, job)
	if err != nil {
		return false, err
	}
	if !created {
		s.logger.Debug("enqueue coalesced into live job",
			zap.String("task_name", task.Name()),
			zap.String("target_key", task.TargetKey()),
			zap.String("job_id", existing.ID.String()))
		return false, nil
	}

	s.mu.Lock()
	s.jobIDs[task.ID()] = job.ID
	s.mu.Unlock()

	if !s.queue.Enqueue(task) {
		// Queue refused (cancelled, or a live task the DB row lost a race
		// with); roll the row forward to failed so status stays truthful.
		s.mu.Lock()
		delete(s.jobIDs, task.ID())
		s.mu.Unlock()
		if err := s.jobs.MarkFailed(ctx, job.ID, "enqueue rejected"); err != nil {
			s.logger.Warn("failed to mark rejected job", zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

func (s *scheduler) Status(ctx context.Context, taskName, targetKey string) (*JobStatusInfo, error) {
	info := &JobStatusInfo{Status: models.JobStatusNone}

	job, err := s.jobs.GetLatest(ctx, taskName, targetKey)
	if err == nil {
		info.Status = job.Status
		info.Error = job.Error
	} else if !isNotFound(err) {
		return nil, err
	}

	lastCompleted, err := s.jobs.LastCompletedAt(ctx, taskName, targetKey)
	if err != nil {
		return nil, err
	}
	info.LastCompletedAt = lastCompleted

	return info, nil
}

// mirrorTransitions applies queue state changes to persisted job rows in
// order. Runs until Stop flags shutdown and the backlog is empty.
func (s *scheduler) mirrorTransitions() {
	defer close(s.drained)

	ctx := context.Background()
	for {
		s.mu.Lock()
		batch := s.backlog
		s.backlog = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, snap := range batch {
			s.applyTransition(ctx, snap)
		}

		if len(batch) > 0 {
			// More may have arrived while applying; re-check before
			// blocking so shutdown sees an empty backlog.
			continue
		}
		if stopped {
			return
		}
		<-s.notify
	}
}

func (s *scheduler) applyTransition(ctx context.Context, snap workqueue.TaskSnapshot) {
	s.mu.Lock()
	jobID, ok := s.jobIDs[snap.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	var err error
	terminal := false
	switch snap.Status {
	case workqueue.TaskStatusRunning:
		err = s.jobs.MarkRunning(ctx, jobID)
	case workqueue.TaskStatusCompleted:
		err = s.jobs.MarkComplete(ctx, jobID)
		terminal = true
	case workqueue.TaskStatusFailed:
		err = s.jobs.MarkFailed(ctx, jobID, snap.Error)
		terminal = true
	case workqueue.TaskStatusCancelled:
		err = s.jobs.MarkFailed(ctx, jobID, "cancelled")
		terminal = true
	}
	if err != nil {
		s.logger.Error("failed to mirror job transition",
			zap.String("job_id", jobID.String()),
			zap.String("status", string(snap.Status)),
			zap.Error(err))
	}

	if terminal {
		s.mu.Lock()
		delete(s.jobIDs, snap.ID)
		s.mu.Unlock()

		if s.sink != nil {
			s.sink(CompletionEvent{
				TaskName:  snap.Name,
				TargetKey: snap.Key[len(snap.Name)+1:],
				Status:    jobStatusFromTask(snap.Status),
				Error:     snap.Error,
			})
		}
	}
}

// autoImportSweep enqueues a full import plus enrichment for every
// auto-import data source.
func (s *scheduler) autoImportSweep() {
	ctx := context.Background()
	sources, err := s.dsRepo.ListAutoImport(ctx)
	if err != nil {
		s.logger.Error("auto-import sweep failed to list sources", zap.Error(err))
		return
	}

	for _, ds := range sources {
		if _, err := s.EnqueueImport(ctx, ds.ID, nil); err != nil {
			s.logger.Error("auto-import enqueue failed",
				zap.String("data_source_id", ds.ID.String()), zap.Error(err))
		}
		if !ds.AutoEnrich {
			continue
		}
		if _, err := s.EnqueueEnrich(ctx, ds.ID); err != nil {
			s.logger.Error("auto-enrich enqueue failed",
				zap.String("data_source_id", ds.ID.String()), zap.Error(err))
		}
	}
	s.logger.Info("auto-import sweep enqueued", zap.Int("source_count", len(sources)))
}

func (s *scheduler) refreshWebhooks() {
	if err := s.refresh.RefreshWebhooks(context.Background()); err != nil {
		s.logger.Error("webhook refresh failed", zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}

func jobStatusFromTask(status workqueue.TaskStatus) models.JobStatus {
	switch status {
	case workqueue.TaskStatusCompleted:
		return models.JobStatusComplete
	case workqueue.TaskStatusRunning:
		return models.JobStatusRunning
	case workqueue.TaskStatusPending:
		return models.JobStatusPending
	default:
		return models.JobStatusFailed
	}
}

// pipelineTask adapts a pipeline run closure to the queue's Task interface.
type pipelineTask struct {
	workqueue.BaseTask
	run func(ctx context.Context) error
}

func (t *pipelineTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	return t.run(ctx)
}
