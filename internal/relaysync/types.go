package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrLockHeld       = errors.New("sync lock held by another invocation")
)

const (
	DefaultTimeBudget        = 100 * time.Second
	DefaultLockTTL           = 5 * time.Minute
	DefaultContinuationDelay = time.Second
	DefaultStallAfter        = 10 * time.Minute
	DefaultMaxRedeliveries   = 5
	MaxPageSize              = 1000
)

type SyncJob struct {
	JobID       string `json:"jobId"`
	TargetID    string `json:"targetId"`
	Integration string `json:"integration,omitempty"`
}

type ContinuationStatus string

const (
	StatusRunning             ContinuationStatus = "running"
	StatusPendingContinuation ContinuationStatus = "pending_continuation"
	StatusStalled             ContinuationStatus = "stalled"
	StatusDeadLettered        ContinuationStatus = "dead_lettered"
)

// ResumeToken is the persisted checkpoint of a job between invocations.
type ResumeToken struct {
	JobID             string             `json:"jobId"`
	TargetID          string             `json:"targetId"`
	NextOffset        int                `json:"nextOffset"`
	Cursor            string             `json:"cursor,omitempty"`
	Total             int                `json:"total,omitempty"`
	ItemsProcessed    int                `json:"itemsProcessed"`
	ItemsFailed       int                `json:"itemsFailed,omitempty"`
	FilesCreated      int                `json:"filesCreated"`
	Invocations       int                `json:"invocations"`
	State             json.RawMessage    `json:"state,omitempty"`
	Status            ContinuationStatus `json:"status,omitempty"`
	DeliveryAttempts  int                `json:"deliveryAttempts,omitempty"`
	LastDeliveryError string             `json:"lastDeliveryError,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

func (t ResumeToken) Job(integration string) SyncJob {
	return SyncJob{JobID: t.JobID, TargetID: t.TargetID, Integration: integration}
}

type SyncLock struct {
	JobID      string    `json:"jobId"`
	AcquiredAt time.Time `json:"timestamp"`
	Offset     int       `json:"offset"`
	Owner      string    `json:"owner,omitempty"`
}

type RunMapping struct {
	JobID     string    `json:"jobId"`
	TargetID  string    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActionData struct {
	ItemsCount   int  `json:"itemsCount"`
	FilesCreated int  `json:"filesCreated"`
	HasMore      bool `json:"hasMore"`
	NextOffset   int  `json:"nextOffset"`
}

type ActionResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    ActionData `json:"data"`
}

type SyncResult struct {
	ItemsProcessed int
	ItemsFailed    int
	FilesCreated   int
	HasMore        bool
	NextOffset     int
	Cursor         string
	Total          int
	Invocations    int
	State          json.RawMessage
	Err            error
}

func (r SyncResult) ActionData() ActionData {
	return ActionData{
		ItemsCount:   r.ItemsProcessed,
		FilesCreated: r.FilesCreated,
		HasMore:      r.HasMore,
		NextOffset:   r.NextOffset,
	}
}

// Item is one record fetched from a vendor. Key must be stable across
// re-runs of the same job so sinks can deduplicate.
type Item struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type PageRequest struct {
	Job    SyncJob
	Offset int
	Cursor string
	Limit  int
	State  json.RawMessage
}

// Page is one fetch result. Total is zero when the vendor does not report
// it. Done is set by cursor sources once the final page has been returned.
type Page struct {
	Items      []Item
	Total      int
	NextCursor string
	Done       bool
	State      json.RawMessage
}

type Source interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// Preparer computes job-scoped state once at job start. prior is the state
// left behind by the previous completed job for the same target, if any.
type Preparer interface {
	Prepare(ctx context.Context, job SyncJob, prior json.RawMessage) (json.RawMessage, error)
}

type SinkResult struct {
	Succeeded int
	Failed    int
	Created   int
	Errors    *multierror.Error
}

func (r SinkResult) Err() error {
	return r.Errors.ErrorOrNil()
}

// Sink performs the side effect for each item. Per-item failures are
// reported through SinkResult; the returned error is reserved for failures
// that prevented the batch from being attempted.
type Sink interface {
	Process(ctx context.Context, items []Item, targetID string) (SinkResult, error)
}

type JobStatus struct {
	JobID        string        `json:"jobId"`
	Mapping      *RunMapping   `json:"mapping,omitempty"`
	Continuation *ResumeToken  `json:"continuation,omitempty"`
	Lock         *SyncLock     `json:"lock,omitempty"`
	LockHeld     bool          `json:"lockHeld"`
	State        string        `json:"state"`
	CheckedAt    time.Time     `json:"checkedAt"`
	LockTTL      time.Duration `json:"lockTtl"`
}
