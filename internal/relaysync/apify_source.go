package relaysync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	ApifySucceededEvent       = "ACTOR.RUN.SUCCEEDED"
	apifyPaginationTotal      = "X-Apify-Pagination-Total"
	DefaultApifyBaseURL       = "https://api.apify.com"
	DefaultApifyPageSize      = 1
	DefaultMagentoPageSize    = 100
	DefaultSharePointPageSize = 200
)

// ApifySource pages through the default dataset of a finished actor run.
// The job id is the actor run id.
type ApifySource struct {
	client *RESTClient
}

type apifyState struct {
	DatasetID string `json:"datasetId"`
}

func NewApifySource(client *RESTClient) *ApifySource {
	return &ApifySource{client: client}
}

func (s *ApifySource) Prepare(ctx context.Context, job SyncJob, _ json.RawMessage) (json.RawMessage, error) {
	var run struct {
		Data struct {
			ID               string `json:"id"`
			Status           string `json:"status"`
			DefaultDatasetID string `json:"defaultDatasetId"`
		} `json:"data"`
	}
	if _, err := s.client.Do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(job.JobID), nil, nil, &run); err != nil {
		return nil, fmt.Errorf("load actor run %s: %w", job.JobID, err)
	}
	datasetID := strings.TrimSpace(run.Data.DefaultDatasetID)
	if datasetID == "" {
		return nil, fmt.Errorf("%w: actor run %s has no default dataset", ErrNotFound, job.JobID)
	}
	return json.Marshal(apifyState{DatasetID: datasetID})
}

func (s *ApifySource) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	var state apifyState
	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &state); err != nil {
			return Page{}, fmt.Errorf("decode apify state: %w", err)
		}
	}
	if state.DatasetID == "" {
		return Page{}, fmt.Errorf("%w: apify dataset id is not resolved for run %s", ErrInvalidInput, req.Job.JobID)
	}
	query := url.Values{}
	query.Set("offset", strconv.Itoa(req.Offset))
	query.Set("limit", strconv.Itoa(req.Limit))
	query.Set("clean", "true")
	query.Set("format", "json")

	var rows []map[string]any
	resp, err := s.client.Do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(state.DatasetID)+"/items", query, nil, &rows)
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: make([]Item, 0, len(rows))}
	if total, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get(apifyPaginationTotal))); convErr == nil && total > 0 {
		page.Total = total
	}
	for i, row := range rows {
		page.Items = append(page.Items, Item{
			Key:    apifyItemKey(state.DatasetID, req.Offset+i, row),
			Fields: row,
		})
	}
	return page, nil
}

// apifyItemKey prefers the crawled url so the same page keeps its key when
// a run is retried and the dataset order shifts.
func apifyItemKey(datasetID string, index int, row map[string]any) string {
	if raw, ok := row["url"].(string); ok && strings.TrimSpace(raw) != "" {
		sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
		return "url-" + hex.EncodeToString(sum[:12])
	}
	return fmt.Sprintf("%s-%06d", datasetID, index)
}
