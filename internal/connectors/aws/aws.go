// Package aws collects compliance posture from an AWS account: IAM users
// with MFA and access-key age, S3 bucket encryption and public exposure,
// KMS key rotation, Lambda runtimes, CloudTrail coverage and RDS backup
// posture. Credentials come from the default chain, optionally assuming a
// role for cross-account collection.
package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/attestra/ccm/internal/models"
)

const adminPolicyARN = "arn:aws:iam::aws:policy/AdministratorAccess"

type Config struct {
	Region          string
	AssumeRoleARN   string
	ExternalID      string
	AccessKeyID     string
	SecretAccessKey string
}

type Connector struct {
	cfg       aws.Config
	accountID string
	region    string

	iamClient        *iam.Client
	s3Client         *s3.Client
	kmsClient        *kms.Client
	lambdaClient     *lambda.Client
	cloudtrailClient *cloudtrail.Client
	rdsClient        *rds.Client
	stsClient        *sts.Client
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}

	return &Connector{
		cfg:              awsCfg,
		accountID:        aws.ToString(identity.Account),
		region:           cfg.Region,
		iamClient:        iam.NewFromConfig(awsCfg),
		s3Client:         s3.NewFromConfig(awsCfg),
		kmsClient:        kms.NewFromConfig(awsCfg),
		lambdaClient:     lambda.NewFromConfig(awsCfg),
		cloudtrailClient: cloudtrail.NewFromConfig(awsCfg),
		rdsClient:        rds.NewFromConfig(awsCfg),
		stsClient:        stsClient,
	}, nil
}

func (c *Connector) Name() string {
	return "aws"
}

func (c *Connector) AccountID() string {
	return c.accountID
}

func (c *Connector) Sources() []string {
	return []string{"aws_iam_users", "aws_resources", "cloudtrail_trails", "rds_databases"}
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if _, err := c.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("validating credentials: %w", err)
	}
	if _, err := c.iamClient.ListUsers(ctx, &iam.ListUsersInput{MaxItems: aws.Int32(1)}); err != nil {
		return fmt.Errorf("validating IAM access: %w", err)
	}
	return nil
}

func (c *Connector) Close() error {
	return nil
}

func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	users, err := c.collectIAMUsers(ctx)
	if err != nil {
		return nil, err
	}

	var resources []models.Record
	buckets, err := c.collectBuckets(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, buckets...)

	keys, err := c.collectKMSKeys(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, keys...)

	functions, err := c.collectFunctions(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, functions...)

	instances, databases, err := c.collectRDS(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, instances...)

	trails, err := c.collectTrails(ctx)
	if err != nil {
		return nil, err
	}

	return models.DataContext{
		"aws_iam_users":     users,
		"aws_resources":     resources,
		"cloudtrail_trails": trails,
		"rds_databases":     databases,
	}, nil
}

func (c *Connector) collectIAMUsers(ctx context.Context) ([]models.Record, error) {
	var records []models.Record
	paginator := iam.NewListUsersPaginator(c.iamClient, &iam.ListUsersInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		for _, user := range page.Users {
			userName := aws.ToString(user.UserName)

			mfaOutput, err := c.iamClient.ListMFADevices(ctx, &iam.ListMFADevicesInput{
				UserName: user.UserName,
			})
			if err != nil {
				return nil, fmt.Errorf("listing MFA devices for %s: %w", userName, err)
			}

			admin, err := c.isAdmin(ctx, user.UserName)
			if err != nil {
				return nil, err
			}

			keyAge, keyCount, err := c.accessKeyAge(ctx, user.UserName)
			if err != nil {
				return nil, err
			}

			records = append(records, models.Record{
				"id":                  userName,
				"name":                userName,
				"arn":                 aws.ToString(user.Arn),
				"is_admin":            admin,
				"mfa_enabled":         len(mfaOutput.MFADevices) > 0,
				"active":              true,
				"access_key_count":    keyCount,
				"access_key_age_days": keyAge,
				"source_system":       "aws_iam",
			})
		}
	}
	return records, nil
}

// isAdmin reports whether AdministratorAccess is attached to the user
// directly or through one of their groups.
func (c *Connector) isAdmin(ctx context.Context, userName *string) (bool, error) {
	attached, err := c.iamClient.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{
		UserName: userName,
	})
	if err != nil {
		return false, fmt.Errorf("listing policies for %s: %w", aws.ToString(userName), err)
	}
	for _, p := range attached.AttachedPolicies {
		if aws.ToString(p.PolicyArn) == adminPolicyARN {
			return true, nil
		}
	}

	groups, err := c.iamClient.ListGroupsForUser(ctx, &iam.ListGroupsForUserInput{
		UserName: userName,
	})
	if err != nil {
		return false, fmt.Errorf("listing groups for %s: %w", aws.ToString(userName), err)
	}
	for _, g := range groups.Groups {
		groupPolicies, err := c.iamClient.ListAttachedGroupPolicies(ctx, &iam.ListAttachedGroupPoliciesInput{
			GroupName: g.GroupName,
		})
		if err != nil {
			return false, fmt.Errorf("listing policies for group %s: %w", aws.ToString(g.GroupName), err)
		}
		for _, p := range groupPolicies.AttachedPolicies {
			if aws.ToString(p.PolicyArn) == adminPolicyARN {
				return true, nil
			}
		}
	}
	return false, nil
}

// accessKeyAge returns the age in days of the user's oldest active access
// key, and the number of active keys.
func (c *Connector) accessKeyAge(ctx context.Context, userName *string) (int, int, error) {
	output, err := c.iamClient.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: userName,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("listing access keys for %s: %w", aws.ToString(userName), err)
	}

	age, count := 0, 0
	for _, key := range output.AccessKeyMetadata {
		if key.Status != "Active" {
			continue
		}
		count++
		if key.CreateDate != nil {
			days := int(time.Since(*key.CreateDate).Hours() / 24)
			if days > age {
				age = days
			}
		}
	}
	return age, count, nil
}

func (c *Connector) s3ClientForRegion(region string) *s3.Client {
	if region == c.region || region == "" {
		return c.s3Client
	}
	return s3.NewFromConfig(c.cfg, func(o *s3.Options) {
		o.Region = region
	})
}

func (c *Connector) collectBuckets(ctx context.Context) ([]models.Record, error) {
	output, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	records := make([]models.Record, 0, len(output.Buckets))
	for _, b := range output.Buckets {
		name := aws.ToString(b.Name)

		locOutput, _ := c.s3Client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
			Bucket: b.Name,
		})
		region := "us-east-1"
		if locOutput != nil && locOutput.LocationConstraint != "" {
			region = string(locOutput.LocationConstraint)
		}
		client := c.s3ClientForRegion(region)

		encrypted := false
		encryptionType := ""
		encOutput, err := client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
			Bucket: b.Name,
		})
		if err == nil && encOutput.ServerSideEncryptionConfiguration != nil {
			for _, rule := range encOutput.ServerSideEncryptionConfiguration.Rules {
				if rule.ApplyServerSideEncryptionByDefault != nil {
					encrypted = true
					encryptionType = string(rule.ApplyServerSideEncryptionByDefault.SSEAlgorithm)
				}
			}
		}

		// Public only when a policy grants access and no full public
		// access block stands in the way.
		blocked := false
		pabOutput, err := client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
			Bucket: b.Name,
		})
		if err == nil && pabOutput.PublicAccessBlockConfiguration != nil {
			pab := pabOutput.PublicAccessBlockConfiguration
			blocked = aws.ToBool(pab.BlockPublicAcls) &&
				aws.ToBool(pab.IgnorePublicAcls) &&
				aws.ToBool(pab.BlockPublicPolicy) &&
				aws.ToBool(pab.RestrictPublicBuckets)
		}

		public := false
		statusOutput, err := client.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{
			Bucket: b.Name,
		})
		if err == nil && statusOutput.PolicyStatus != nil {
			public = aws.ToBool(statusOutput.PolicyStatus.IsPublic)
		}

		tags := map[string]interface{}{}
		tagOutput, err := client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{
			Bucket: b.Name,
		})
		if err == nil {
			for _, tag := range tagOutput.TagSet {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
		}

		records = append(records, models.Record{
			"id":                 name,
			"resource_type":      "s3_bucket",
			"name":               name,
			"arn":                fmt.Sprintf("arn:aws:s3:::%s", name),
			"provider":           "aws",
			"region":             region,
			"encryption_enabled": encrypted,
			"encryption_type":    encryptionType,
			"public_access":      public && !blocked,
			"tags":               tags,
		})
	}
	return records, nil
}

func (c *Connector) collectKMSKeys(ctx context.Context) ([]models.Record, error) {
	var records []models.Record
	paginator := kms.NewListKeysPaginator(c.kmsClient, &kms.ListKeysInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing keys: %w", err)
		}

		for _, key := range page.Keys {
			descOutput, err := c.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{
				KeyId: key.KeyId,
			})
			if err != nil {
				return nil, fmt.Errorf("describing key %s: %w", aws.ToString(key.KeyId), err)
			}
			km := descOutput.KeyMetadata

			rotation := false
			if km.KeyManager == kmstypes.KeyManagerTypeCustomer {
				rotOutput, err := c.kmsClient.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{
					KeyId: key.KeyId,
				})
				if err == nil {
					rotation = rotOutput.KeyRotationEnabled
				}
			} else {
				// AWS-managed keys rotate on Amazon's schedule.
				rotation = true
			}

			records = append(records, models.Record{
				"id":                 aws.ToString(km.KeyId),
				"resource_type":      "kms_key",
				"name":               aws.ToString(km.KeyId),
				"arn":                aws.ToString(km.Arn),
				"provider":           "aws",
				"region":             c.region,
				"enabled":            km.Enabled,
				"key_state":          string(km.KeyState),
				"key_manager":        string(km.KeyManager),
				"rotation_enabled":   rotation,
				"encryption_enabled": true,
			})
		}
	}
	return records, nil
}

func (c *Connector) collectFunctions(ctx context.Context) ([]models.Record, error) {
	var records []models.Record
	paginator := lambda.NewListFunctionsPaginator(c.lambdaClient, &lambda.ListFunctionsInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing functions: %w", err)
		}

		for _, fn := range page.Functions {
			runtime := string(fn.Runtime)
			records = append(records, models.Record{
				"id":                 aws.ToString(fn.FunctionName),
				"resource_type":      "lambda_function",
				"name":               aws.ToString(fn.FunctionName),
				"arn":                aws.ToString(fn.FunctionArn),
				"provider":           "aws",
				"region":             c.region,
				"runtime":            runtime,
				"deprecated_runtime": deprecatedRuntime(runtime),
				"encryption_enabled": fn.KMSKeyArn != nil,
				"last_modified":      aws.ToString(fn.LastModified),
			})
		}
	}
	return records, nil
}

// deprecatedRuntime reports whether the Lambda runtime has reached end of
// support.
func deprecatedRuntime(runtime string) bool {
	deprecated := []string{
		"python2", "python3.6", "python3.7", "python3.8",
		"nodejs10", "nodejs12", "nodejs14", "nodejs16",
		"ruby2", "dotnetcore", "go1.x",
	}
	for _, prefix := range deprecated {
		if strings.HasPrefix(runtime, prefix) {
			return true
		}
	}
	return false
}

func (c *Connector) collectRDS(ctx context.Context) (resources, databases []models.Record, err error) {
	paginator := rds.NewDescribeDBInstancesPaginator(c.rdsClient, &rds.DescribeDBInstancesInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("describing db instances: %w", err)
		}

		for _, db := range page.DBInstances {
			id := aws.ToString(db.DBInstanceIdentifier)

			environment := "untagged"
			tags := map[string]interface{}{}
			for _, tag := range db.TagList {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
				if aws.ToString(tag.Key) == "Environment" {
					environment = strings.ToLower(aws.ToString(tag.Value))
				}
			}

			encrypted := aws.ToBool(db.StorageEncrypted)
			resources = append(resources, models.Record{
				"id":                 id,
				"resource_type":      "rds_instance",
				"name":               id,
				"arn":                aws.ToString(db.DBInstanceArn),
				"provider":           "aws",
				"region":             c.region,
				"encryption_enabled": encrypted,
				"public_access":      aws.ToBool(db.PubliclyAccessible),
				"tags":               tags,
			})
			databases = append(databases, models.Record{
				"id":                      id,
				"name":                    id,
				"engine":                  aws.ToString(db.Engine),
				"environment":             environment,
				"encrypted":               encrypted,
				"backup_retention_period": int(aws.ToInt32(db.BackupRetentionPeriod)),
				"multi_az":                aws.ToBool(db.MultiAZ),
			})
		}
	}
	return resources, databases, nil
}

func (c *Connector) collectTrails(ctx context.Context) ([]models.Record, error) {
	output, err := c.cloudtrailClient.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
	if err != nil {
		return nil, fmt.Errorf("describing trails: %w", err)
	}

	records := make([]models.Record, 0, len(output.TrailList))
	for _, trail := range output.TrailList {
		logging := false
		statusOutput, err := c.cloudtrailClient.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{
			Name: trail.TrailARN,
		})
		if err == nil {
			logging = aws.ToBool(statusOutput.IsLogging)
		}

		records = append(records, models.Record{
			"account_id":      c.accountID,
			"region":          aws.ToString(trail.HomeRegion),
			"trail_name":      aws.ToString(trail.Name),
			"is_multi_region": aws.ToBool(trail.IsMultiRegionTrail),
			"is_logging":      logging,
		})
	}
	return records, nil
}
