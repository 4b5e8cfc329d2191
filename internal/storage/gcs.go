package storage

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/trackserver/trackserver/config"
	"google.golang.org/api/option"
)

// GCSClient wraps the Google Cloud Storage SDK client and bucket name.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// NewGCSClient constructs a GCS client from config.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &GCSClient{
		client:    client,
		bucket:    cfg.Bucket,
		projectID: cfg.ProjectID,
	}, nil
}

// EnsureBucket ensures the configured bucket exists.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}
	if strings.TrimSpace(g.projectID) == "" {
		return errors.New("gcs project id is required to create bucket")
	}
	return g.client.Bucket(g.bucket).Create(ctx, g.projectID, nil)
}

// Put uploads an object to the configured bucket.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if strings.TrimSpace(contentType) != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// Get opens a reader for an object in the configured bucket.
func (g *GCSClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	return rc, err
}

// Delete removes an object from the configured bucket. Missing objects are not an error.
func (g *GCSClient) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// ExpireStaging adds a Delete lifecycle rule for objects below prefix older
// than days, unless the bucket already has one.
func (g *GCSClient) ExpireStaging(ctx context.Context, prefix string, days int) error {
	bucket := g.client.Bucket(g.bucket)
	attrs, err := bucket.Attrs(ctx)
	if err != nil {
		return err
	}
	updated, changed := withStagingDelete(attrs.Lifecycle, prefix, days)
	if !changed {
		return nil
	}
	_, err = bucket.Update(ctx, storage.BucketAttrsToUpdate{Lifecycle: &updated})
	return err
}

func withStagingDelete(lc storage.Lifecycle, prefix string, days int) (storage.Lifecycle, bool) {
	for _, rule := range lc.Rules {
		if rule.Action.Type == storage.DeleteAction &&
			rule.Condition.AgeInDays == int64(days) &&
			slices.Equal(rule.Condition.MatchesPrefix, []string{prefix}) {
			return lc, false
		}
	}
	rules := make([]storage.LifecycleRule, 0, len(lc.Rules)+1)
	for _, rule := range lc.Rules {
		// Drop an older staging rule with a different age.
		if rule.Action.Type == storage.DeleteAction && slices.Equal(rule.Condition.MatchesPrefix, []string{prefix}) {
			continue
		}
		rules = append(rules, rule)
	}
	rules = append(rules, storage.LifecycleRule{
		Action:    storage.LifecycleAction{Type: storage.DeleteAction},
		Condition: storage.LifecycleCondition{AgeInDays: int64(days), MatchesPrefix: []string{prefix}},
	})
	return storage.Lifecycle{Rules: rules}, true
}

// Bucket returns the configured bucket name.
func (g *GCSClient) Bucket() string {
	return g.bucket
}
