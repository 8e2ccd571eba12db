// Package mock provides a fixture-backed connector for demos and local
// development. The data set deliberately contains violations: a privileged
// user without MFA in both identity systems, an active account missing from
// the HR feed, an unencrypted database, a public bucket, a region without
// CloudTrail logging and databases with short backup retention.
package mock

import (
	"context"
	"time"

	"github.com/attestra/ccm/internal/models"
)

type Connector struct{}

func New() *Connector {
	return &Connector{}
}

func (c *Connector) Name() string {
	return "mock"
}

func (c *Connector) Sources() []string {
	return []string{
		"okta_users",
		"hr_employees",
		"aws_iam_users",
		"aws_resources",
		"cloudtrail_trails",
		"rds_databases",
	}
}

// Collect returns a fresh copy of the fixture set. Each call builds new
// records so callers can annotate them without corrupting later cycles.
func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lastLogin := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	return models.DataContext{
		"okta_users":        oktaUsers(lastLogin),
		"hr_employees":      hrEmployees(),
		"aws_iam_users":     awsIAMUsers(),
		"aws_resources":     awsResources(),
		"cloudtrail_trails": cloudtrailTrails(),
		"rds_databases":     rdsDatabases(),
	}, nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	return ctx.Err()
}

func (c *Connector) Close() error {
	return nil
}

func oktaUsers(lastLogin string) []models.Record {
	return []models.Record{
		{
			"id":            "okta-user-1",
			"email":         "admin@example.com",
			"name":          "Admin User",
			"role":          "admin",
			"is_admin":      true,
			"mfa_enabled":   true,
			"active":        true,
			"source_system": "okta",
			"external_id":   "okta123456",
			"last_login":    lastLogin,
		},
		{
			"id":            "okta-user-2",
			"email":         "security@example.com",
			"name":          "Security Lead",
			"role":          "security",
			"is_admin":      true,
			"mfa_enabled":   false,
			"active":        true,
			"source_system": "okta",
			"external_id":   "okta234567",
			"last_login":    lastLogin,
		},
		{
			// Active in the IdP but absent from the HR feed.
			"id":            "okta-user-3",
			"email":         "former.employee@example.com",
			"name":          "Former Employee",
			"role":          "developer",
			"is_admin":      false,
			"mfa_enabled":   true,
			"active":        true,
			"source_system": "okta",
			"external_id":   "okta345678",
			"last_login":    nil,
		},
		{
			"id":            "okta-user-4",
			"email":         "developer@example.com",
			"name":          "Developer",
			"role":          "developer",
			"is_admin":      false,
			"mfa_enabled":   true,
			"active":        true,
			"source_system": "okta",
			"external_id":   "okta456789",
			"last_login":    lastLogin,
		},
	}
}

func hrEmployees() []models.Record {
	return []models.Record{
		{
			"employee_id": "emp-1",
			"email":       "admin@example.com",
			"name":        "Admin User",
			"status":      "active",
			"department":  "IT",
		},
		{
			"employee_id": "emp-2",
			"email":       "security@example.com",
			"name":        "Security Lead",
			"status":      "active",
			"department":  "Security",
		},
		{
			"employee_id": "emp-4",
			"email":       "developer@example.com",
			"name":        "Developer",
			"status":      "active",
			"department":  "Engineering",
		},
	}
}

func awsIAMUsers() []models.Record {
	return []models.Record{
		{
			"id":            "user-1",
			"email":         "admin@example.com",
			"name":          "Admin User",
			"role":          "admin",
			"is_admin":      true,
			"mfa_enabled":   true,
			"active":        true,
			"source_system": "aws_iam",
			"external_id":   "AIDAI123456",
		},
		{
			"id":            "user-2",
			"email":         "devops@example.com",
			"name":          "DevOps User",
			"role":          "devops",
			"is_admin":      true,
			"mfa_enabled":   false,
			"active":        true,
			"source_system": "aws_iam",
			"external_id":   "AIDAI234567",
		},
		{
			"id":            "user-3",
			"email":         "developer@example.com",
			"name":          "Developer",
			"role":          "developer",
			"is_admin":      false,
			"mfa_enabled":   true,
			"active":        true,
			"source_system": "aws_iam",
			"external_id":   "AIDAI345678",
		},
	}
}

func awsResources() []models.Record {
	return []models.Record{
		{
			"id":                 "rds-prod-1",
			"resource_type":      "rds_instance",
			"name":               "production-db",
			"provider":           "aws",
			"region":             "us-east-1",
			"encryption_enabled": true,
			"public_access":      false,
			"tags":               map[string]interface{}{"Environment": "production"},
		},
		{
			"id":                 "rds-dev-1",
			"resource_type":      "rds_instance",
			"name":               "development-db",
			"provider":           "aws",
			"region":             "us-east-1",
			"encryption_enabled": false,
			"public_access":      false,
			"tags":               map[string]interface{}{"Environment": "development"},
		},
		{
			"id":                 "s3-public-1",
			"resource_type":      "s3_bucket",
			"name":               "public-assets-bucket",
			"provider":           "aws",
			"region":             "us-east-1",
			"encryption_enabled": true,
			"public_access":      true,
			"tags":               map[string]interface{}{},
		},
		{
			"id":                 "s3-private-1",
			"resource_type":      "s3_bucket",
			"name":               "confidential-data",
			"provider":           "aws",
			"region":             "us-east-1",
			"encryption_enabled": true,
			"public_access":      false,
			"tags":               map[string]interface{}{"Confidential": "true"},
		},
	}
}

func cloudtrailTrails() []models.Record {
	return []models.Record{
		{
			"account_id":      "123456789012",
			"region":          "us-east-1",
			"trail_name":      "main-trail",
			"is_multi_region": true,
			"is_logging":      true,
		},
		{
			"account_id":      "123456789012",
			"region":          "us-west-2",
			"trail_name":      nil,
			"is_multi_region": false,
			"is_logging":      false,
		},
	}
}

func rdsDatabases() []models.Record {
	return []models.Record{
		{
			"id":                      "rds-prod-1",
			"name":                    "production-db",
			"environment":             "production",
			"encrypted":               true,
			"backup_retention_period": 14,
		},
		{
			"id":                      "rds-dev-1",
			"name":                    "development-db",
			"environment":             "development",
			"encrypted":               false,
			"backup_retention_period": 3,
		},
		{
			"id":                      "rds-test-1",
			"name":                    "test-db",
			"environment":             "production",
			"encrypted":               true,
			"backup_retention_period": 5,
		},
	}
}
