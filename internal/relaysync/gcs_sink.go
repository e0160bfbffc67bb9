package relaysync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

type objectStore interface {
	// Checksum returns the MD5 of the stored object, or exists=false.
	Checksum(ctx context.Context, name string) (sum []byte, exists bool, err error)
	Write(ctx context.Context, name, contentType string, data []byte, sum []byte) error
}

// GCSSink writes every item as a JSON object into a Cloud Storage bucket.
// Object names are deterministic per item, so a changed record overwrites
// its previous export; an object whose content is unchanged is skipped.
type GCSSink struct {
	objects     objectStore
	prefix      string
	integration string
	close       func() error
}

type gcsObjects struct {
	bucket *storage.BucketHandle
}

func (g gcsObjects) Checksum(ctx context.Context, name string) ([]byte, bool, error) {
	attrs, err := g.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return attrs.MD5, true, nil
}

func (g gcsObjects) Write(ctx context.Context, name, contentType string, data []byte, sum []byte) error {
	writer := g.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.MD5 = sum
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// NewGCSSink uses application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix, integration string) (*GCSSink, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", ErrInvalidInput)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	sink := newGCSSink(gcsObjects{bucket: client.Bucket(bucket)}, prefix, integration)
	sink.close = client.Close
	return sink, nil
}

func newGCSSink(objects objectStore, prefix, integration string) *GCSSink {
	return &GCSSink{
		objects:     objects,
		prefix:      strings.Trim(strings.TrimSpace(prefix), "/"),
		integration: integration,
	}
}

func (s *GCSSink) Process(ctx context.Context, items []Item, targetID string) (SinkResult, error) {
	if strings.TrimSpace(targetID) == "" {
		return SinkResult{}, fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	return processEach(ctx, items, func(ctx context.Context, item Item) (bool, error) {
		name := itemObjectName(s.prefix, s.integration, targetID, item.Key)
		data, err := json.Marshal(item.Fields)
		if err != nil {
			return false, err
		}
		sum := md5.Sum(data)
		stored, exists, err := s.objects.Checksum(ctx, name)
		if err != nil {
			return false, err
		}
		if exists && bytes.Equal(stored, sum[:]) {
			return false, nil
		}
		if err := s.objects.Write(ctx, name, "application/json", data, sum[:]); err != nil {
			return false, err
		}
		return !exists, nil
	})
}

func (s *GCSSink) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
