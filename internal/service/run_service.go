// internal/service/run_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgbroadcast/internal/metrics"
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/repository"
	"tgbroadcast/internal/resolver"
)

// AudienceResolver turns a targeting spec into recipients.
type AudienceResolver interface {
	Resolve(spec model.TargetSpec) (*resolver.Result, error)
}

// RunNotifier announces launched runs to workers. Optional.
type RunNotifier interface {
	PublishRunLaunched(runID string) error
}

type RunService struct {
	RunRepo      repository.RunRepositoryInterface
	DeliveryRepo repository.DeliveryRepositoryInterface
	Resolver     AudienceResolver
	Notifier     RunNotifier
	Log          *zap.Logger

	RunLeaseDuration  time.Duration
	StallThreshold    time.Duration
	ResumeQueuedAfter time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

// LaunchResult is what the launch surface shows for confirmation. Requested
// vs Resolved surfaces explicit user ids that were silently dropped for
// having no linked chat.
type LaunchResult struct {
	Run       *model.BroadcastRun `json:"run"`
	Requested int                 `json:"requested_count"`
	Resolved  int                 `json:"resolved_count"`
}

func (s *RunService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// LaunchRun validates targeting, resolves the audience, creates the run,
// populates its delivery records, and moves it to running. A structurally
// invalid target aborts before any row exists. If population crashes partway
// the same launch can be retried: inserts are idempotent per (run_id,
// chat_id) and the queued->running transition is a compare-and-swap.
func (s *RunService) LaunchRun(message string, target model.TargetSpec) (*LaunchResult, error) {
	res, err := s.Resolver.Resolve(target)
	if err != nil {
		return nil, err
	}

	run := &model.BroadcastRun{
		ID:      uuid.NewString(),
		Message: message,
		Target:  target,
		Status:  model.RunQueued,
	}
	if err := s.RunRepo.Create(run); err != nil {
		return nil, err
	}

	inserted, err := s.DeliveryRepo.InsertBatch(run.ID, res.Recipients)
	if err != nil {
		return nil, fmt.Errorf("populate run %s: %w", run.ID, err)
	}

	if err := s.RunRepo.MarkRunning(run.ID, len(res.Recipients)); err != nil {
		return nil, err
	}

	s.Log.Info("broadcast run launched",
		zap.String("run_id", run.ID),
		zap.String("mode", string(target.Mode)),
		zap.Int("requested", res.Requested),
		zap.Int("resolved", len(res.Recipients)),
		zap.Int("inserted", inserted),
	)

	if s.Notifier != nil {
		if err := s.Notifier.PublishRunLaunched(run.ID); err != nil {
			// workers still find the run on their next poll sweep
			s.Log.Warn("failed to publish run launch", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	launched, err := s.RunRepo.GetByID(run.ID)
	if err != nil {
		return nil, err
	}
	return &LaunchResult{Run: launched, Requested: res.Requested, Resolved: len(res.Recipients)}, nil
}

// CancelRun moves a running broadcast to cancelled. Unclaimed records are
// forced to failed_permanent; records under a live lease finish naturally and
// never block the transition.
func (s *RunService) CancelRun(id string) (*model.BroadcastRun, error) {
	if err := s.RunRepo.Cancel(id); err != nil {
		return nil, err
	}

	forced, err := s.DeliveryRepo.ForceFailPending(id, "run cancelled")
	if err != nil {
		return nil, err
	}
	s.Log.Info("broadcast run cancelled", zap.String("run_id", id), zap.Int("forced_failed", forced))
	metrics.RunsFinished.WithLabelValues(string(model.RunCancelled)).Inc()

	if err := s.reconcileRun(id); err != nil {
		s.Log.Warn("post-cancel reconcile failed", zap.String("run_id", id), zap.Error(err))
	}
	return s.RunRepo.GetByID(id)
}

// GetRun returns the read-only run projection.
func (s *RunService) GetRun(id string) (*model.BroadcastRun, error) {
	return s.RunRepo.GetByID(id)
}

// ListRuns fetches runs with pagination.
func (s *RunService) ListRuns(page, pageSize int, status string) ([]*model.BroadcastRun, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	runs, total, err := s.RunRepo.ListRuns(offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return runs, pagination, nil
}

// ListDeliveries returns one page of per-recipient records, with the leased
// view applied.
func (s *RunService) ListDeliveries(id string, page, pageSize int) ([]*model.BroadcastDelivery, map[string]int, error) {
	if _, err := s.RunRepo.GetByID(id); err != nil {
		return nil, nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	offset := (page - 1) * pageSize

	deliveries, total, err := s.DeliveryRepo.ListByRun(id, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	for _, d := range deliveries {
		d.Status = d.EffectiveStatus(now)
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return deliveries, pagination, nil
}

// PurgeRun removes a run and all its delivery records.
func (s *RunService) PurgeRun(id string) error {
	return s.RunRepo.Delete(id)
}

// RunAggregator periodically reconciles counters and terminal transitions
// until the context is cancelled.
func (s *RunService) RunAggregator(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.AggregateOnce()
		}
	}
}

// AggregateOnce recomputes aggregates for every unsettled run. Counters are
// maintained by full recomputation from delivery rows rather than racy
// increments; they converge once batches stop changing.
func (s *RunService) AggregateOnce() {
	runs, err := s.RunRepo.ListUnsettled()
	if err != nil {
		s.Log.Error("failed to list unsettled runs", zap.Error(err))
		return
	}
	for _, run := range runs {
		if err := s.aggregateRun(run); err != nil {
			s.Log.Error("failed to aggregate run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

func (s *RunService) aggregateRun(run *model.BroadcastRun) error {
	token := uuid.NewString()
	acquired, err := s.RunRepo.AcquireLease(run.ID, token, s.runLeaseDuration())
	if err != nil {
		return err
	}
	if !acquired {
		// another aggregator instance owns this run right now
		return nil
	}
	defer s.RunRepo.ReleaseLease(run.ID, token)

	if run.Status == model.RunQueued {
		return s.resumeLaunch(run)
	}

	if run.Status == model.RunCancelled {
		// catch records whose lease expired after cancellation without an
		// outcome: claims have stopped, so nothing else will settle them
		if _, err := s.DeliveryRepo.ForceFailPending(run.ID, "run cancelled"); err != nil {
			return err
		}
	}

	counts, err := s.DeliveryRepo.CountByStatus(run.ID)
	if err != nil {
		return err
	}

	c := repository.RunCounters{
		Pending: counts[model.DeliveryPending] + counts[model.DeliveryFailedRetryable],
		Sent:    counts[model.DeliverySent],
		Failed:  counts[model.DeliveryFailedPermanent],
		Unknown: counts[model.DeliveryUnknown],
	}
	if run.Status == model.RunRunning && c.Pending+c.Sent+c.Failed+c.Unknown != run.TotalRecipients {
		s.Log.Warn("counter drift against total recipients",
			zap.String("run_id", run.ID),
			zap.Int("total", run.TotalRecipients),
			zap.Int("observed", c.Pending+c.Sent+c.Failed+c.Unknown),
		)
	}

	progressed := c.Pending != run.PendingCount || c.Sent != run.SentCount ||
		c.Failed != run.FailedCount || c.Unknown != run.UnknownCount
	if err := s.RunRepo.UpdateCounters(run.ID, c, progressed); err != nil {
		return err
	}

	if run.Status == model.RunRunning && c.Pending == 0 {
		status := model.RunCompleted
		if c.Failed > 0 || c.Unknown > 0 {
			status = model.RunCompletedWithErrors
		}
		done, err := s.RunRepo.Finish(run.ID, token, status)
		if err != nil {
			return err
		}
		if done {
			metrics.RunsFinished.WithLabelValues(string(status)).Inc()
			s.Log.Info("broadcast run finished",
				zap.String("run_id", run.ID),
				zap.String("status", string(status)),
				zap.Int("sent", c.Sent),
				zap.Int("failed", c.Failed),
				zap.Int("unknown", c.Unknown),
			)
		}
		return nil
	}

	s.detectStall(run, c, progressed)
	return nil
}

// detectStall flags a running broadcast with eligible work but no progress
// past the stall threshold. This means every worker stopped polling; the
// rows stay durable and any worker that resumes picks them right up.
func (s *RunService) detectStall(run *model.BroadcastRun, c repository.RunCounters, progressed bool) {
	if run.Status != model.RunRunning || progressed || c.Pending == 0 {
		return
	}
	if run.LastHeartbeatAt == nil {
		return
	}
	threshold := s.StallThreshold
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	if since := s.now().Sub(*run.LastHeartbeatAt); since > threshold {
		metrics.StalledRuns.Inc()
		s.Log.Warn("broadcast run appears stalled",
			zap.String("run_id", run.ID),
			zap.Int("pending", c.Pending),
			zap.Duration("since_last_progress", since),
		)
	}
}

// resumeLaunch finishes a launch that crashed between run creation and the
// queued->running transition. The persisted target makes the run
// self-describing: re-resolving is safe because population is idempotent and
// MarkRunning is a compare-and-swap. Runs younger than the resume threshold
// are left alone; their original launch call is likely still populating.
func (s *RunService) resumeLaunch(run *model.BroadcastRun) error {
	if s.now().Sub(run.CreatedAt) < s.resumeQueuedAfter() {
		return nil
	}

	res, err := s.Resolver.Resolve(run.Target)
	if err != nil {
		return fmt.Errorf("re-resolve run %s: %w", run.ID, err)
	}
	if _, err := s.DeliveryRepo.InsertBatch(run.ID, res.Recipients); err != nil {
		return fmt.Errorf("re-populate run %s: %w", run.ID, err)
	}
	if err := s.RunRepo.MarkRunning(run.ID, len(res.Recipients)); err != nil {
		return err
	}
	s.Log.Info("resumed interrupted launch",
		zap.String("run_id", run.ID),
		zap.Int("resolved", len(res.Recipients)),
	)
	return nil
}

func (s *RunService) resumeQueuedAfter() time.Duration {
	if s.ResumeQueuedAfter > 0 {
		return s.ResumeQueuedAfter
	}
	return time.Minute
}

func (s *RunService) runLeaseDuration() time.Duration {
	if s.RunLeaseDuration > 0 {
		return s.RunLeaseDuration
	}
	return 30 * time.Second
}

// reconcileRun refreshes counters outside the periodic aggregator pass.
func (s *RunService) reconcileRun(id string) error {
	run, err := s.RunRepo.GetByID(id)
	if err != nil {
		return err
	}
	return s.aggregateRun(run)
}
