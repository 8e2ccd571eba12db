// Package azure collects compliance posture from an Azure subscription:
// storage account encryption, TLS floor and public blob exposure, and the
// subscription's role assignments with privileged roles flagged.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/attestra/ccm/internal/models"
)

// Built-in role definition IDs that grant subscription-wide write or
// access-management rights.
var privilegedRoles = map[string]string{
	"8e3af657-a8ff-443c-a75c-2fe8c4bcb635": "Owner",
	"b24988ac-6180-42a0-ab88-20f7382dd24c": "Contributor",
	"18d7d88d-d35e-4fb5-a5c3-7773c20a72d9": "User Access Administrator",
	"f58310d9-a9f6-439a-9e8d-f62e7b41a168": "Role Based Access Control Administrator",
}

type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
}

type Connector struct {
	credential     *azidentity.ClientSecretCredential
	subscriptionID string
	tenantID       string

	storageClient *armstorage.AccountsClient
	authClient    *armauthorization.RoleAssignmentsClient
	blobClients   map[string]*azblob.Client
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	credential, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	storageClient, err := armstorage.NewAccountsClient(cfg.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	authClient, err := armauthorization.NewRoleAssignmentsClient(cfg.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating auth client: %w", err)
	}

	return &Connector{
		credential:     credential,
		subscriptionID: cfg.SubscriptionID,
		tenantID:       cfg.TenantID,
		storageClient:  storageClient,
		authClient:     authClient,
		blobClients:    make(map[string]*azblob.Client),
	}, nil
}

func (c *Connector) Name() string {
	return "azure"
}

func (c *Connector) Sources() []string {
	return []string{"azure_storage_accounts", "azure_role_assignments"}
}

func (c *Connector) TestConnection(ctx context.Context) error {
	pager := c.storageClient.NewListPager(nil)
	if _, err := pager.NextPage(ctx); err != nil {
		return fmt.Errorf("validating storage access: %w", err)
	}
	return nil
}

func (c *Connector) Close() error {
	return nil
}

func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	accounts, err := c.collectStorageAccounts(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := c.collectRoleAssignments(ctx)
	if err != nil {
		return nil, err
	}
	return models.DataContext{
		"azure_storage_accounts": accounts,
		"azure_role_assignments": assignments,
	}, nil
}

func (c *Connector) getBlobClient(accountName string) (*azblob.Client, error) {
	if client, ok := c.blobClients[accountName]; ok {
		return client, nil
	}

	url := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(url, c.credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	c.blobClients[accountName] = client
	return client, nil
}

func (c *Connector) collectStorageAccounts(ctx context.Context) ([]models.Record, error) {
	var records []models.Record

	pager := c.storageClient.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing storage accounts: %w", err)
		}

		for _, account := range page.Value {
			name := ptrToString(account.Name)

			rec := models.Record{
				"id":             ptrToString(account.ID),
				"resource_type":  "storage_account",
				"name":           name,
				"provider":       "azure",
				"region":         ptrToString(account.Location),
				"resource_group": extractResourceGroup(ptrToString(account.ID)),
			}

			if props := account.Properties; props != nil {
				encrypted := props.Encryption != nil
				rec["encryption_enabled"] = encrypted
				if encrypted && props.Encryption.KeySource != nil {
					switch *props.Encryption.KeySource {
					case armstorage.KeySourceMicrosoftKeyvault:
						rec["encryption_type"] = "customer_managed"
					default:
						rec["encryption_type"] = "microsoft_managed"
					}
				}
				if props.AllowBlobPublicAccess != nil {
					rec["public_access"] = *props.AllowBlobPublicAccess
				} else {
					rec["public_access"] = false
				}
				if props.MinimumTLSVersion != nil {
					rec["min_tls_version"] = string(*props.MinimumTLSVersion)
				}
				if props.EnableHTTPSTrafficOnly != nil {
					rec["https_only"] = *props.EnableHTTPSTrafficOnly
				}
			}

			containers, publicContainers := c.countContainers(ctx, name)
			rec["container_count"] = containers
			rec["public_container_count"] = publicContainers

			records = append(records, rec)
		}
	}
	return records, nil
}

// countContainers walks the account's containers through a lazily cached
// blob client. Accounts the credential cannot read are reported with zero
// counts rather than failing the collection.
func (c *Connector) countContainers(ctx context.Context, accountName string) (total, public int) {
	blobClient, err := c.getBlobClient(accountName)
	if err != nil {
		return 0, 0
	}

	pager := blobClient.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			break
		}
		for _, container := range page.ContainerItems {
			total++
			if container.Properties != nil && container.Properties.PublicAccess != nil {
				public++
			}
		}
	}
	return total, public
}

func (c *Connector) collectRoleAssignments(ctx context.Context) ([]models.Record, error) {
	var records []models.Record

	pager := c.authClient.NewListForSubscriptionPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing role assignments: %w", err)
		}

		for _, assignment := range page.Value {
			if assignment.Properties == nil {
				continue
			}
			props := assignment.Properties

			roleDefID := ptrToString(props.RoleDefinitionID)
			roleName, privileged := privilegedRoles[roleGUID(roleDefID)]

			principalType := ""
			if props.PrincipalType != nil {
				principalType = string(*props.PrincipalType)
			}

			records = append(records, models.Record{
				"id":                 ptrToString(assignment.Name),
				"principal_id":       ptrToString(props.PrincipalID),
				"principal_type":     principalType,
				"role_definition_id": roleDefID,
				"role_name":          roleName,
				"privileged":         privileged,
				"scope":              ptrToString(props.Scope),
				"source_system":      "azure",
			})
		}
	}
	return records, nil
}

// roleGUID strips the resource path prefix from a role definition ID.
func roleGUID(roleDefinitionID string) string {
	parts := strings.Split(roleDefinitionID, "/")
	return parts[len(parts)-1]
}

func extractResourceGroup(resourceID string) string {
	parts := strings.Split(resourceID, "/")
	for i, part := range parts {
		if part == "resourceGroups" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
