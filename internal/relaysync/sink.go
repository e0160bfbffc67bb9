package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"
)

type itemFunc func(ctx context.Context, item Item) (created bool, err error)

// processEach applies fn to every item in order. Item failures are collected
// and skipped; only cancellation ends the batch early.
func processEach(ctx context.Context, items []Item, fn itemFunc) (SinkResult, error) {
	var result SinkResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if strings.TrimSpace(item.Key) == "" {
			result.Failed++
			result.Errors = multierror.Append(result.Errors, fmt.Errorf("%w: item without key", ErrInvalidInput))
			continue
		}
		created, err := fn(ctx, item)
		if err != nil {
			result.Failed++
			result.Errors = multierror.Append(result.Errors, fmt.Errorf("item %s: %w", item.Key, err))
			continue
		}
		result.Succeeded++
		if created {
			result.Created++
		}
	}
	return result, nil
}

// itemObjectName is the deterministic name of an item's document, so a
// retried job overwrites rather than duplicates.
func itemObjectName(prefix, integration, targetID, key string) string {
	return path.Join(prefix, safeSegment(integration), safeSegment(targetID), safeSegment(key)+".json")
}

func safeSegment(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "_"
	}
	return value
}

// FileSink uploads every item as a JSON file into the target knowledge base
// of the chatbot platform.
type FileSink struct {
	client      *RESTClient
	integration string
}

type fileUpload struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

func NewFileSink(client *RESTClient, integration string) *FileSink {
	return &FileSink{client: client, integration: integration}
}

func (s *FileSink) Process(ctx context.Context, items []Item, targetID string) (SinkResult, error) {
	if strings.TrimSpace(targetID) == "" {
		return SinkResult{}, fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	endpoint := "/v1/knowledge-bases/" + url.PathEscape(targetID) + "/files"
	return processEach(ctx, items, func(ctx context.Context, item Item) (bool, error) {
		content, err := json.Marshal(item.Fields)
		if err != nil {
			return false, err
		}
		upload := fileUpload{
			Path:        itemObjectName("", s.integration, targetID, item.Key),
			ContentType: "application/json",
			Content:     string(content),
		}
		if _, err := s.client.Do(ctx, http.MethodPut, endpoint, nil, upload, nil); err != nil {
			return false, err
		}
		return true, nil
	})
}

// TableSink upserts every item as a row keyed by the item key.
type TableSink struct {
	client *RESTClient
}

type rowUpsert struct {
	Key    string         `json:"key"`
	Values map[string]any `json:"values"`
}

func NewTableSink(client *RESTClient) *TableSink {
	return &TableSink{client: client}
}

func (s *TableSink) Process(ctx context.Context, items []Item, targetID string) (SinkResult, error) {
	if strings.TrimSpace(targetID) == "" {
		return SinkResult{}, fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	endpoint := "/v1/tables/" + url.PathEscape(targetID) + "/rows/upsert"
	return processEach(ctx, items, func(ctx context.Context, item Item) (bool, error) {
		_, err := s.client.Do(ctx, http.MethodPost, endpoint, nil, rowUpsert{Key: item.Key, Values: item.Fields}, nil)
		return err == nil, err
	})
}
