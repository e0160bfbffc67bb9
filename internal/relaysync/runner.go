package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type RunnerOptions struct {
	Integration         Integration
	Store               CheckpointStore
	PublicURL           string
	ContinuationSecret  string
	ContinuationDelay   time.Duration
	ContinuationRetries int
	ContinuationClient  *http.Client
	TimeBudget          time.Duration
	LockTTL             time.Duration
	StallAfter          time.Duration
	RedeliveryBackoff   time.Duration
	MaxRedeliveries     int
	Now                 func() time.Time
	Logger              zerolog.Logger
	Metrics             *Metrics
	Progress            *ProgressHub
}

// Runner orchestrates jobs for one integration: resolving which job an
// event belongs to, guarding it with the job lock, running the engine and
// handing off or cleaning up afterwards. It never returns Go errors across
// the action boundary; every outcome is an ActionResult.
type Runner struct {
	integration       Integration
	store             CheckpointStore
	locks             *LockManager
	trigger           *ContinuationTrigger
	timeBudget        time.Duration
	stallAfter        time.Duration
	redeliveryBackoff time.Duration
	maxRedeliveries   int
	now               func() time.Time
	logger            zerolog.Logger
	metrics           *Metrics
	progress          *ProgressHub
}

type StartRequest struct {
	JobID    string `json:"jobId"`
	TargetID string `json:"targetId"`
	// Run forces an immediate run for integrations that otherwise wait
	// for the vendor's completion webhook.
	Run bool `json:"run,omitempty"`
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := opts.Integration.validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stallAfter := opts.StallAfter
	if stallAfter <= 0 {
		stallAfter = DefaultStallAfter
	}
	redeliveryBackoff := opts.RedeliveryBackoff
	if redeliveryBackoff <= 0 {
		redeliveryBackoff = 30 * time.Second
	}
	maxRedeliveries := opts.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = DefaultMaxRedeliveries
	}
	retries := opts.ContinuationRetries
	if retries == 0 {
		retries = 2
	}
	delay := opts.ContinuationDelay
	if delay == 0 {
		delay = DefaultContinuationDelay
	}
	name := opts.Integration.Name
	logger := opts.Logger.With().Str("component", "runner").Str("integration", name).Logger()
	store := NewScopedStore(opts.Store, name)
	webhookURL := ""
	if base := strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/"); base != "" {
		webhookURL = base + "/v1/webhooks/" + name
	}

	return &Runner{
		integration: opts.Integration,
		store:       store,
		locks: NewLockManager(store, LockOptions{
			TTL:    opts.LockTTL,
			Now:    now,
			Logger: logger,
		}),
		trigger: NewContinuationTrigger(ContinuationOptions{
			Integration: name,
			Store:       store,
			URL:         webhookURL,
			Secret:      opts.ContinuationSecret,
			EventType:   opts.Integration.continuationEventType(),
			Delay:       delay,
			HTTPClient:  opts.ContinuationClient,
			MaxRetries:  retries,
			Now:         now,
			Logger:      logger,
			Metrics:     opts.Metrics,
			Progress:    opts.Progress,
		}),
		timeBudget:        opts.TimeBudget,
		stallAfter:        stallAfter,
		redeliveryBackoff: redeliveryBackoff,
		maxRedeliveries:   maxRedeliveries,
		now:               now,
		logger:            logger,
		metrics:           opts.Metrics,
		progress:          opts.Progress,
	}, nil
}

func (r *Runner) Integration() Integration { return r.integration }

func (r *Runner) Name() string { return r.integration.Name }

// StartSync registers a job's run mapping and, for integrations that start
// immediately, runs its first invocation.
func (r *Runner) StartSync(ctx context.Context, req StartRequest) ActionResult {
	req.JobID = strings.TrimSpace(req.JobID)
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.JobID == "" || req.TargetID == "" {
		return ActionResult{Success: false, Message: "jobId and targetId are required"}
	}
	mapping := RunMapping{JobID: req.JobID, TargetID: req.TargetID, CreatedAt: r.now().UTC()}
	if err := saveJSON(ctx, r.store, runMappingKey(req.JobID), mapping); err != nil {
		r.logger.Error().Err(err).Str("job_id", req.JobID).Msg("failed to save run mapping")
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to register job %s: %v", req.JobID, err)}
	}
	r.logger.Info().Str("job_id", req.JobID).Str("target_id", req.TargetID).Msg("registered sync job")
	if r.integration.StartMode == StartOnWebhook && !req.Run {
		return ActionResult{Success: true, Message: fmt.Sprintf("registered job %s; waiting for completion webhook", req.JobID)}
	}

	job := SyncJob{JobID: req.JobID, TargetID: req.TargetID, Integration: r.integration.Name}
	return r.run(ctx, job, nil)
}

// HandleEvent resolves a completion or continuation webhook to its job and
// runs the next invocation. A stored checkpoint takes precedence over the
// run mapping so redelivered vendor webhooks resume rather than restart.
func (r *Runner) HandleEvent(ctx context.Context, event WebhookEvent) ActionResult {
	if !event.Continuation && !r.integration.Accepts(event.EventType) {
		r.logger.Debug().Str("event_type", event.EventType).Msg("ignoring webhook event")
		return ActionResult{Success: true, Message: fmt.Sprintf("ignored event type %s", event.EventType)}
	}
	jobID := strings.TrimSpace(event.JobID)
	if jobID == "" {
		return ActionResult{Success: true, Message: "ignored event without job id"}
	}
	logger := r.logger.With().Str("job_id", jobID).Bool("continuation", event.Continuation).Logger()

	var token ResumeToken
	resumed, err := loadJSON(ctx, r.store, continuationKey(jobID), &token)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read checkpoint")
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to read checkpoint for job %s: %v", jobID, err)}
	}
	if resumed {
		return r.run(ctx, token.Job(r.integration.Name), &token)
	}

	var mapping RunMapping
	found, err := loadJSON(ctx, r.store, runMappingKey(jobID), &mapping)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read run mapping")
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to read run mapping for job %s: %v", jobID, err)}
	}
	if !found {
		logger.Warn().Msg("no mapping found for job")
		return ActionResult{Success: false, Message: fmt.Sprintf("no mapping found for job %s", jobID)}
	}
	return r.run(ctx, SyncJob{JobID: jobID, TargetID: mapping.TargetID, Integration: r.integration.Name}, nil)
}

// run executes one invocation of job. resume is only the caller's view
// before locking: the checkpoint and mapping are read again once the lock
// is held, since another invocation may have advanced or finished the job
// in between.
func (r *Runner) run(ctx context.Context, job SyncJob, resume *ResumeToken) ActionResult {
	start := r.now()
	logger := r.logger.With().Str("job_id", job.JobID).Str("target_id", job.TargetID).Logger()
	locks := r.locks.WithOwner(uuid.NewString())

	startOffset := 0
	if resume != nil {
		startOffset = resume.NextOffset
	}
	acquired, err := locks.TryAcquire(ctx, job.JobID, startOffset)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("sync lock unavailable, proceeding unprotected")
	case !acquired:
		logger.Info().Msg("skipping duplicate: job already running")
		r.metrics.RecordLockContention(r.integration.Name)
		r.progress.Publish(ProgressEvent{Integration: r.integration.Name, JobID: job.JobID, Phase: PhaseSkipped, Offset: startOffset})
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("skipping duplicate: job %s is already running", job.JobID),
			Data:    ActionData{HasMore: true, NextOffset: startOffset},
		}
	}

	job, resume, found, err := r.reload(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read job state")
		r.release(ctx, logger, locks, job.JobID)
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to read checkpoint for job %s: %v", job.JobID, err)}
	}
	if !found {
		logger.Warn().Msg("no mapping found for job")
		r.release(ctx, logger, locks, job.JobID)
		return ActionResult{Success: false, Message: fmt.Sprintf("no mapping found for job %s", job.JobID)}
	}
	logger = r.logger.With().Str("job_id", job.JobID).Str("target_id", job.TargetID).Logger()
	startOffset = 0
	priorAttempts := 0
	if resume != nil {
		startOffset = resume.NextOffset
		priorAttempts = resume.DeliveryAttempts
	}

	if r.needsPrepare(resume) {
		prepared, err := r.prepare(ctx, job)
		if err != nil {
			logger.Error().Err(err).Msg("job preparation failed")
			failed := ResumeToken{JobID: job.JobID, TargetID: job.TargetID}
			if resume != nil {
				failed = *resume
			}
			return r.fail(ctx, logger, locks, job, failed, err, start)
		}
		if resume != nil {
			resumed := *resume
			resumed.State = prepared.State
			resume = &resumed
		} else {
			resume = prepared
		}
	}

	engine := NewEngine(EngineOptions{
		Integration: r.integration.Name,
		Source:      r.integration.Source,
		Sink:        r.integration.Sink,
		Store:       r.store,
		Locks:       locks,
		PageSize:    r.integration.PageSize,
		TimeBudget:  r.timeBudget,
		Now:         r.now,
		Logger:      r.logger,
		Metrics:     r.metrics,
		Progress:    r.progress,
	})
	result := engine.Run(ctx, job, resume)
	token := tokenFromResult(job, result)

	switch {
	case result.Err != nil:
		if result.NextOffset <= startOffset {
			token.DeliveryAttempts = priorAttempts
		}
		return r.fail(ctx, logger, locks, job, token, result.Err, start)
	case result.HasMore:
		return r.handoff(ctx, logger, locks, job, token, result, start)
	default:
		return r.complete(ctx, logger, locks, job, result, start)
	}
}

// reload resolves job from the store: a checkpoint for the same target
// resumes it, otherwise the run mapping starts it fresh. found is false
// when neither exists, e.g. because the job already completed.
func (r *Runner) reload(ctx context.Context, job SyncJob) (SyncJob, *ResumeToken, bool, error) {
	var token ResumeToken
	resumed, err := loadJSON(ctx, r.store, continuationKey(job.JobID), &token)
	if err != nil {
		return job, nil, false, err
	}
	if resumed && (job.TargetID == "" || token.TargetID == "" || token.TargetID == job.TargetID) {
		next := token.Job(r.integration.Name)
		if next.TargetID == "" {
			next.TargetID = job.TargetID
		}
		return next, &token, true, nil
	}
	var mapping RunMapping
	mapped, err := loadJSON(ctx, r.store, runMappingKey(job.JobID), &mapping)
	if err != nil {
		return job, nil, false, err
	}
	if !mapped {
		return job, nil, false, nil
	}
	return SyncJob{JobID: job.JobID, TargetID: mapping.TargetID, Integration: r.integration.Name}, nil, true, nil
}

// needsPrepare reports whether the source has to be prepared before the
// engine runs. A checkpoint without source state comes from an invocation
// whose Prepare failed.
func (r *Runner) needsPrepare(resume *ResumeToken) bool {
	if resume == nil {
		return true
	}
	_, ok := r.integration.Source.(Preparer)
	return ok && len(resume.State) == 0
}

func (r *Runner) prepare(ctx context.Context, job SyncJob) (*ResumeToken, error) {
	token := &ResumeToken{JobID: job.JobID, TargetID: job.TargetID}
	preparer, ok := r.integration.Source.(Preparer)
	if !ok {
		return token, nil
	}
	prior, err := r.store.Get(ctx, sourceStateKey(job.TargetID))
	if err != nil {
		r.logger.Warn().Err(err).Str("target_id", job.TargetID).Msg("failed to read source state, preparing from scratch")
		prior = nil
	}
	state, err := preparer.Prepare(ctx, job, prior)
	if err != nil {
		return nil, fmt.Errorf("prepare job %s: %w", job.JobID, err)
	}
	token.State = state
	return token, nil
}

func (r *Runner) fail(ctx context.Context, logger zerolog.Logger, locks *LockManager, job SyncJob, token ResumeToken, cause error, start time.Time) ActionResult {
	ctx = context.WithoutCancel(ctx)
	token.Status = StatusStalled
	token.LastDeliveryError = cause.Error()
	token.Timestamp = r.now().UTC()
	if err := saveJSON(ctx, r.store, continuationKey(job.JobID), token); err != nil {
		logger.Error().Err(err).Msg("failed to persist stalled checkpoint")
	}
	r.release(ctx, logger, locks, job.JobID)
	r.metrics.RecordRun(r.integration.Name, "failed", r.now().Sub(start))
	r.progress.Publish(ProgressEvent{
		Integration:    r.integration.Name,
		JobID:          job.JobID,
		Phase:          PhaseFailed,
		Offset:         token.NextOffset,
		Total:          token.Total,
		ItemsProcessed: token.ItemsProcessed,
		FilesCreated:   token.FilesCreated,
		Message:        cause.Error(),
	})
	return ActionResult{
		Success: false,
		Message: fmt.Sprintf("sync stopped at offset %d: %v", token.NextOffset, cause),
		Data: ActionData{
			ItemsCount:   token.ItemsProcessed,
			FilesCreated: token.FilesCreated,
			HasMore:      true,
			NextOffset:   token.NextOffset,
		},
	}
}

func (r *Runner) handoff(ctx context.Context, logger zerolog.Logger, locks *LockManager, job SyncJob, token ResumeToken, result SyncResult, start time.Time) ActionResult {
	pending, err := r.trigger.Persist(context.WithoutCancel(ctx), job, token)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist continuation")
		r.release(ctx, logger, locks, job.JobID)
		r.metrics.RecordRun(r.integration.Name, "failed", r.now().Sub(start))
		return ActionResult{
			Success: false,
			Message: fmt.Sprintf("processed %d items; continuation from offset %d failed: %v", result.ItemsProcessed, result.NextOffset, err),
			Data:    result.ActionData(),
		}
	}
	r.release(ctx, logger, locks, job.JobID)
	r.metrics.RecordRun(r.integration.Name, "handoff", r.now().Sub(start))
	r.progress.Publish(ProgressEvent{
		Integration:    r.integration.Name,
		JobID:          job.JobID,
		Phase:          PhaseHandoff,
		Offset:         result.NextOffset,
		Total:          result.Total,
		ItemsProcessed: result.ItemsProcessed,
		FilesCreated:   result.FilesCreated,
	})
	if err := r.trigger.Fire(ctx, pending); err != nil {
		return ActionResult{
			Success: false,
			Message: fmt.Sprintf("processed %d items; continuation from offset %d failed: %v", result.ItemsProcessed, result.NextOffset, err),
			Data:    result.ActionData(),
		}
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("processed %d items; continuing from offset %d", result.ItemsProcessed, result.NextOffset),
		Data:    result.ActionData(),
	}
}

func (r *Runner) complete(ctx context.Context, logger zerolog.Logger, locks *LockManager, job SyncJob, result SyncResult, start time.Time) ActionResult {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Delete(ctx, continuationKey(job.JobID)); err != nil {
		logger.Error().Err(err).Msg("failed to clear checkpoint for completed job")
		r.release(ctx, logger, locks, job.JobID)
		r.metrics.RecordRun(r.integration.Name, "failed", r.now().Sub(start))
		return ActionResult{
			Success: false,
			Message: fmt.Sprintf("job %s completed but its checkpoint could not be cleared: %v", job.JobID, err),
			Data:    result.ActionData(),
		}
	}
	if _, ok := r.integration.Source.(Preparer); ok && len(result.State) > 0 {
		if err := r.store.Set(ctx, sourceStateKey(job.TargetID), result.State); err != nil {
			logger.Warn().Err(err).Msg("failed to persist source state")
		}
	}
	if err := r.store.Delete(ctx, runMappingKey(job.JobID)); err != nil {
		logger.Warn().Err(err).Msg("failed to delete run mapping")
	}
	r.release(ctx, logger, locks, job.JobID)
	r.metrics.RecordRun(r.integration.Name, "completed", r.now().Sub(start))
	r.progress.Publish(ProgressEvent{
		Integration:    r.integration.Name,
		JobID:          job.JobID,
		Phase:          PhaseCompleted,
		Offset:         result.NextOffset,
		Total:          result.Total,
		ItemsProcessed: result.ItemsProcessed,
		FilesCreated:   result.FilesCreated,
	})
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("sync completed: %d items processed, %d files created", result.ItemsProcessed, result.FilesCreated),
		Data:    result.ActionData(),
	}
}

func (r *Runner) release(ctx context.Context, logger zerolog.Logger, locks *LockManager, jobID string) {
	if err := locks.Release(ctx, jobID); err != nil {
		logger.Warn().Err(err).Msg("failed to release sync lock")
	}
}

// Status reports everything stored about a job.
func (r *Runner) Status(ctx context.Context, jobID string) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, ErrInvalidInput
	}
	status := JobStatus{JobID: jobID, CheckedAt: r.now().UTC(), LockTTL: r.locks.TTL()}

	var mapping RunMapping
	found, err := loadJSON(ctx, r.store, runMappingKey(jobID), &mapping)
	if err != nil {
		return JobStatus{}, err
	}
	if found {
		status.Mapping = &mapping
	}
	var token ResumeToken
	found, err = loadJSON(ctx, r.store, continuationKey(jobID), &token)
	if err != nil {
		return JobStatus{}, err
	}
	if found {
		status.Continuation = &token
	}
	lock, held, err := r.locks.Inspect(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	status.Lock = lock
	status.LockHeld = held

	switch {
	case held:
		status.State = "running"
	case status.Continuation != nil && status.Continuation.Status != "":
		status.State = string(status.Continuation.Status)
	case status.Continuation != nil:
		status.State = string(StatusRunning)
	case status.Mapping != nil:
		status.State = "registered"
	default:
		return status, ErrNotFound
	}
	return status, nil
}

// Stalled lists jobs whose continuation is stalled or dead-lettered.
func (r *Runner) Stalled(ctx context.Context) ([]ResumeToken, error) {
	values, err := r.store.List(ctx, continuationPrefix)
	if err != nil {
		return nil, err
	}
	out := []ResumeToken{}
	for _, key := range sortedKeys(values) {
		var token ResumeToken
		if err := json.Unmarshal(values[key], &token); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable checkpoint")
			continue
		}
		if token.Status == StatusStalled || token.Status == StatusDeadLettered {
			out = append(out, token)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Redeliver fires a fresh continuation for a job regardless of its
// redelivery count. Used by operators to revive dead-lettered jobs.
func (r *Runner) Redeliver(ctx context.Context, jobID string) ActionResult {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ActionResult{Success: false, Message: "jobId is required"}
	}
	var token ResumeToken
	found, err := loadJSON(ctx, r.store, continuationKey(jobID), &token)
	if err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to read checkpoint for job %s: %v", jobID, err)}
	}
	if !found {
		return ActionResult{Success: false, Message: fmt.Sprintf("no continuation found for job %s", jobID)}
	}
	token.DeliveryAttempts = 0
	token.Status = StatusPendingContinuation
	token.LastDeliveryError = ""
	token.Timestamp = r.now().UTC()
	if err := saveJSON(ctx, r.store, continuationKey(jobID), token); err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("failed to reset continuation for job %s: %v", jobID, err)}
	}
	data := ActionData{ItemsCount: token.ItemsProcessed, FilesCreated: token.FilesCreated, HasMore: true, NextOffset: token.NextOffset}
	if err := r.trigger.Deliver(ctx, token); err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("redelivery for job %s failed: %v", jobID, err), Data: data}
	}
	r.metrics.RecordStall(r.integration.Name, "manual_redelivery")
	return ActionResult{Success: true, Message: fmt.Sprintf("continuation redelivered for job %s from offset %d", jobID, token.NextOffset), Data: data}
}
