package relaysync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ContinuationEventType   = "relaysync.continuation"
	HeaderRelayTimestamp    = "X-Relay-Timestamp"
	HeaderRelaySignature    = "X-Relay-Signature"
	HeaderCorrelationID     = "X-Correlation-Id"
	HeaderWebhookSecret     = "X-Webhook-Secret"
	continuationMaxBodyRead = 4096
)

// ContinuationPayload is the synthetic webhook body. It mirrors the vendor
// completion notification so the inbound handler routes it the same way.
type ContinuationPayload struct {
	Type         string              `json:"type"`
	EventType    string              `json:"eventType"`
	Resource     ContinuationRef     `json:"resource"`
	Continuation ContinuationSummary `json:"continuation"`
	CreatedAt    time.Time           `json:"createdAt"`
}

type ContinuationRef struct {
	ID string `json:"id"`
}

type ContinuationSummary struct {
	NextOffset  int    `json:"nextOffset"`
	Invocations int    `json:"invocations"`
	DeliveryID  string `json:"deliveryId"`
}

// SignContinuation computes the hex HMAC-SHA256 of timestamp + "\n" + body.
func SignContinuation(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type ContinuationOptions struct {
	Integration string
	Store       CheckpointStore
	URL         string
	Secret      string
	EventType   string
	Delay       time.Duration
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
	Metrics     *Metrics
	Progress    *ProgressHub
}

type ContinuationTrigger struct {
	integration string
	store       CheckpointStore
	url         string
	secret      string
	eventType   string
	delay       time.Duration
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *Metrics
	progress    *ProgressHub
}

func NewContinuationTrigger(opts ContinuationOptions) *ContinuationTrigger {
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	eventType := strings.TrimSpace(opts.EventType)
	if eventType == "" {
		eventType = ContinuationEventType
	}
	return &ContinuationTrigger{
		integration: opts.Integration,
		store:       opts.Store,
		url:         strings.TrimSpace(opts.URL),
		secret:      opts.Secret,
		eventType:   eventType,
		delay:       delay,
		httpClient:  httpClient,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		now:         now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		progress:    opts.Progress,
	}
}

// Schedule persists token as pending and fires the continuation webhook
// after the configured delay. When delivery fails the token is marked
// stalled so the sweeper can pick it up.
func (t *ContinuationTrigger) Schedule(ctx context.Context, job SyncJob, token ResumeToken) error {
	pending, err := t.Persist(ctx, job, token)
	if err != nil {
		return err
	}
	return t.Fire(ctx, pending)
}

// Persist stores token as pending_continuation and returns the stored value.
// Callers holding the job lock persist before releasing it so the next
// invocation never reads an older checkpoint.
func (t *ContinuationTrigger) Persist(ctx context.Context, job SyncJob, token ResumeToken) (ResumeToken, error) {
	token.JobID = job.JobID
	token.TargetID = job.TargetID
	token.Status = StatusPendingContinuation
	token.Timestamp = t.now().UTC()
	if err := saveJSON(ctx, t.store, continuationKey(job.JobID), token); err != nil {
		return token, fmt.Errorf("persist resume token: %w", err)
	}
	return token, nil
}

// Fire waits the configured delay and delivers a token already stored by
// Persist.
func (t *ContinuationTrigger) Fire(ctx context.Context, token ResumeToken) error {
	if err := sleepContext(ctx, t.delay); err != nil {
		t.markStalled(context.WithoutCancel(ctx), token, err)
		return err
	}
	return t.Deliver(ctx, token)
}

// Deliver posts the signed continuation webhook for an already persisted
// token. The token is updated with the delivery outcome.
func (t *ContinuationTrigger) Deliver(ctx context.Context, token ResumeToken) error {
	logger := t.logger.With().Str("integration", t.integration).Str("job_id", token.JobID).Logger()
	if t.url == "" {
		err := fmt.Errorf("%w: continuation url is not configured", ErrInvalidInput)
		t.markStalled(ctx, token, err)
		return err
	}
	deliveryID := uuid.NewString()
	body, err := json.Marshal(ContinuationPayload{
		Type:      ContinuationEventType,
		EventType: t.eventType,
		Resource:  ContinuationRef{ID: token.JobID},
		Continuation: ContinuationSummary{
			NextOffset:  token.NextOffset,
			Invocations: token.Invocations,
			DeliveryID:  deliveryID,
		},
		CreatedAt: t.now().UTC(),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = t.post(ctx, body, deliveryID)
		if lastErr == nil {
			logger.Info().Int("next_offset", token.NextOffset).Str("delivery_id", deliveryID).Msg("continuation delivered")
			t.metrics.RecordContinuation(t.integration, "delivered")
			return nil
		}
		if attempt >= t.maxRetries || ctx.Err() != nil {
			break
		}
		if waitErr := sleepContext(ctx, backoffDelay(t.baseDelay, t.maxDelay, attempt+1)); waitErr != nil {
			lastErr = waitErr
			break
		}
	}
	logger.Error().Err(lastErr).Int("next_offset", token.NextOffset).Msg("continuation delivery failed, job stalled")
	t.metrics.RecordContinuation(t.integration, "failed")
	t.markStalled(context.WithoutCancel(ctx), token, lastErr)
	return lastErr
}

func (t *ContinuationTrigger) post(ctx context.Context, body []byte, deliveryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	timestamp := t.now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, deliveryID)
	req.Header.Set(HeaderRelayTimestamp, timestamp)
	req.Header.Set(HeaderRelaySignature, SignContinuation(t.secret, timestamp, body))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, continuationMaxBodyRead))
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
}

// markStalled flags token as stalled unless the stored checkpoint has moved
// on since it was persisted: a newer invocation is running, advanced the
// offset, or finished the job.
func (t *ContinuationTrigger) markStalled(ctx context.Context, token ResumeToken, cause error) {
	logger := t.logger.With().Str("integration", t.integration).Str("job_id", token.JobID).Logger()
	key := continuationKey(token.JobID)
	prev, err := t.store.Get(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read checkpoint before marking it stalled")
		return
	}
	if len(prev) == 0 {
		logger.Info().Msg("checkpoint already cleared, not marking stalled")
		return
	}
	var current ResumeToken
	if err := json.Unmarshal(prev, &current); err != nil {
		logger.Error().Err(err).Msg("failed to decode checkpoint before marking it stalled")
		return
	}
	if current.Status == StatusRunning || current.NextOffset != token.NextOffset || current.Cursor != token.Cursor {
		logger.Info().Int("stored_offset", current.NextOffset).Msg("checkpoint moved on, not marking stalled")
		return
	}

	token.Status = StatusStalled
	token.Timestamp = t.now().UTC()
	if cause != nil {
		token.LastDeliveryError = cause.Error()
	}
	next, err := json.Marshal(token)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode stalled checkpoint")
		return
	}
	swapped, err := t.store.CompareAndSwap(ctx, key, prev, next)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark continuation stalled")
		return
	}
	if !swapped {
		logger.Info().Msg("checkpoint changed concurrently, not marking stalled")
		return
	}
	t.progress.Publish(ProgressEvent{
		Integration:    t.integration,
		JobID:          token.JobID,
		Phase:          PhaseStalled,
		Offset:         token.NextOffset,
		Total:          token.Total,
		ItemsProcessed: token.ItemsProcessed,
		FilesCreated:   token.FilesCreated,
		Message:        token.LastDeliveryError,
	})
}
