package relaysync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type EngineOptions struct {
	Integration string
	Source      Source
	Sink        Sink
	Store       CheckpointStore
	Locks       *LockManager
	PageSize    int
	TimeBudget  time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
	Metrics     *Metrics
	Progress    *ProgressHub
}

// Engine drives the fetch, sink, checkpoint loop for one invocation of a
// job. Items are processed strictly in offset order.
type Engine struct {
	integration string
	source      Source
	sink        Sink
	store       CheckpointStore
	locks       *LockManager
	pageSize    int
	budget      time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *Metrics
	progress    *ProgressHub
}

func NewEngine(opts EngineOptions) *Engine {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	budget := opts.TimeBudget
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		integration: opts.Integration,
		source:      opts.Source,
		sink:        opts.Sink,
		store:       opts.Store,
		locks:       opts.Locks,
		pageSize:    pageSize,
		budget:      budget,
		now:         now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		progress:    opts.Progress,
	}
}

// Run processes pages until the job is exhausted, the time budget would be
// exceeded, or a fetch or sink fails. Failures never advance the offset
// past the page that failed.
func (e *Engine) Run(ctx context.Context, job SyncJob, resume *ResumeToken) SyncResult {
	start := e.now()
	token := ResumeToken{JobID: job.JobID, TargetID: job.TargetID}
	if resume != nil {
		token = *resume
		token.JobID = job.JobID
		token.TargetID = job.TargetID
	}
	token.Invocations++

	logger := e.logger.With().
		Str("integration", e.integration).
		Str("job_id", job.JobID).
		Int("invocation", token.Invocations).
		Logger()
	logger.Info().Int("offset", token.NextOffset).Int("total", token.Total).Msg("sync invocation started")

	var (
		hasMore   bool
		runErr    error
		lastBatch time.Duration
	)
	for {
		elapsed := e.now().Sub(start)
		if elapsed >= e.budget || (lastBatch > 0 && elapsed+lastBatch > e.budget) {
			logger.Info().Dur("elapsed", elapsed).Int("offset", token.NextOffset).Msg("time budget exhausted")
			hasMore = true
			break
		}
		if err := ctx.Err(); err != nil {
			hasMore = true
			runErr = err
			break
		}

		batchStart := e.now()
		page, err := e.source.FetchPage(ctx, PageRequest{
			Job:    job,
			Offset: token.NextOffset,
			Cursor: token.Cursor,
			Limit:  e.pageSize,
			State:  token.State,
		})
		if err != nil {
			logger.Error().Err(err).Int("offset", token.NextOffset).Msg("fetch failed")
			hasMore = true
			runErr = fmt.Errorf("fetch page at offset %d: %w", token.NextOffset, err)
			break
		}
		if page.Total > 0 {
			token.Total = page.Total
		}
		if page.State != nil {
			token.State = page.State
		}
		if len(page.Items) == 0 {
			// Cursor sources may return item-less pages mid-walk; only a
			// page without a new cursor ends the job.
			if page.Done || page.NextCursor == "" || page.NextCursor == token.Cursor {
				break
			}
			token.Cursor = page.NextCursor
			lastBatch = e.now().Sub(batchStart)
			e.checkpoint(ctx, logger, job, &token)
			continue
		}

		result, err := e.sink.Process(ctx, page.Items, job.TargetID)
		if err != nil {
			logger.Error().Err(err).Int("offset", token.NextOffset).Msg("sink failed")
			hasMore = true
			runErr = fmt.Errorf("sink page at offset %d: %w", token.NextOffset, err)
			break
		}
		if itemErr := result.Err(); itemErr != nil {
			logger.Warn().Err(itemErr).Int("failed", result.Failed).Int("offset", token.NextOffset).Msg("skipped items that failed to sink")
		}
		e.metrics.RecordBatch(e.integration, result)

		token.ItemsProcessed += result.Succeeded
		token.ItemsFailed += result.Failed
		token.FilesCreated += result.Created
		token.NextOffset += len(page.Items)
		token.Cursor = page.NextCursor
		lastBatch = e.now().Sub(batchStart)

		if token.Total > 0 && token.NextOffset >= token.Total {
			break
		}
		if page.Done {
			break
		}
		e.checkpoint(ctx, logger, job, &token)
	}

	if hasMore {
		logger.Info().Int("next_offset", token.NextOffset).Int("items_processed", token.ItemsProcessed).Msg("sync invocation paused")
	} else {
		logger.Info().Int("items_processed", token.ItemsProcessed).Int("files_created", token.FilesCreated).Msg("sync job exhausted")
	}
	return SyncResult{
		ItemsProcessed: token.ItemsProcessed,
		ItemsFailed:    token.ItemsFailed,
		FilesCreated:   token.FilesCreated,
		HasMore:        hasMore,
		NextOffset:     token.NextOffset,
		Cursor:         token.Cursor,
		Total:          token.Total,
		Invocations:    token.Invocations,
		State:          token.State,
		Err:            runErr,
	}
}

func (e *Engine) checkpoint(ctx context.Context, logger zerolog.Logger, job SyncJob, token *ResumeToken) {
	token.Status = StatusRunning
	token.Timestamp = e.now().UTC()
	token.DeliveryAttempts = 0
	token.LastDeliveryError = ""
	if e.store != nil {
		if err := saveJSON(ctx, e.store, continuationKey(job.JobID), token); err != nil {
			logger.Warn().Err(err).Int("offset", token.NextOffset).Msg("checkpoint write failed")
		}
	}
	if e.locks != nil {
		if err := e.locks.Refresh(ctx, job.JobID, token.NextOffset); err != nil {
			logger.Warn().Err(err).Int("offset", token.NextOffset).Msg("sync lock refresh failed")
		}
	}
	e.progress.Publish(ProgressEvent{
		Integration:    e.integration,
		JobID:          job.JobID,
		Phase:          PhaseBatch,
		Offset:         token.NextOffset,
		Total:          token.Total,
		ItemsProcessed: token.ItemsProcessed,
		FilesCreated:   token.FilesCreated,
		Timestamp:      token.Timestamp,
	})
}

func tokenFromResult(job SyncJob, result SyncResult) ResumeToken {
	return ResumeToken{
		JobID:          job.JobID,
		TargetID:       job.TargetID,
		NextOffset:     result.NextOffset,
		Cursor:         result.Cursor,
		Total:          result.Total,
		ItemsProcessed: result.ItemsProcessed,
		ItemsFailed:    result.ItemsFailed,
		FilesCreated:   result.FilesCreated,
		Invocations:    result.Invocations,
		State:          result.State,
	}
}
