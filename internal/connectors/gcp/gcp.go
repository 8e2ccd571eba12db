// Package gcp collects compliance posture from a GCP project: Cloud
// Storage bucket encryption, uniform access enforcement and public IAM
// bindings.
package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/attestra/ccm/internal/models"
)

type Config struct {
	ProjectID       string
	CredentialsFile string
}

type Connector struct {
	projectID string

	storageClient *storage.Client
	crmClient     *cloudresourcemanager.Service
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp: project_id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	crmClient, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating resource manager client: %w", err)
	}

	return &Connector{
		projectID:     cfg.ProjectID,
		storageClient: storageClient,
		crmClient:     crmClient,
	}, nil
}

func (c *Connector) Name() string {
	return "gcp"
}

func (c *Connector) Sources() []string {
	return []string{"gcp_buckets"}
}

func (c *Connector) TestConnection(ctx context.Context) error {
	it := c.storageClient.Buckets(ctx, c.projectID)
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("validating storage access: %w", err)
	}

	if _, err := c.crmClient.Projects.Get(c.projectID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("validating resource manager access: %w", err)
	}
	return nil
}

func (c *Connector) Close() error {
	if c.storageClient != nil {
		return c.storageClient.Close()
	}
	return nil
}

func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	buckets, err := c.collectBuckets(ctx)
	if err != nil {
		return nil, err
	}
	return models.DataContext{"gcp_buckets": buckets}, nil
}

func (c *Connector) collectBuckets(ctx context.Context) ([]models.Record, error) {
	var records []models.Record

	it := c.storageClient.Buckets(ctx, c.projectID)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing buckets: %w", err)
		}

		encryptionType := "google_managed"
		if attrs.Encryption != nil && attrs.Encryption.DefaultKMSKeyName != "" {
			encryptionType = "customer_managed"
		}

		tags := map[string]interface{}{}
		for k, v := range attrs.Labels {
			tags[k] = v
		}

		records = append(records, models.Record{
			"id":            attrs.Name,
			"resource_type": "gcs_bucket",
			"name":          attrs.Name,
			"provider":      "gcp",
			"region":        strings.ToLower(attrs.Location),
			// GCS encrypts at rest unconditionally.
			"encryption_enabled":          true,
			"encryption_type":             encryptionType,
			"versioning":                  attrs.VersioningEnabled,
			"uniform_bucket_level_access": attrs.UniformBucketLevelAccess.Enabled,
			"public_access":               c.isPublic(ctx, attrs.Name),
			"logging_enabled":             attrs.Logging != nil && attrs.Logging.LogBucket != "",
			"tags":                        tags,
		})
	}
	return records, nil
}

// isPublic reports whether the bucket's IAM policy grants access to
// allUsers or allAuthenticatedUsers. Policy read failures count as not
// public.
func (c *Connector) isPublic(ctx context.Context, bucketName string) bool {
	policy, err := c.storageClient.Bucket(bucketName).IAM().Policy(ctx)
	if err != nil {
		return false
	}
	for _, binding := range policy.InternalProto.GetBindings() {
		for _, member := range binding.Members {
			if member == "allUsers" || member == "allAuthenticatedUsers" {
				return true
			}
		}
	}
	return false
}
