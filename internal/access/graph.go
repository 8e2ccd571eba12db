// Package access maintains a Neo4j graph of identities, resources, and
// grants built from connector snapshots. It backs the CC6.x access-review
// queries: privileged identities without MFA, identities active in a system
// but absent from the HR feed, and cross-system correlation by email.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/attestra/ccm/internal/models"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Identity) ON (n.key)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Identity) ON (n.email)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Employee) ON (n.email)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.key)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Grant) ON (n.id)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

// identitySources maps the DataContext source keys that carry identity
// records. The graph keys identities on (source, id) so the same person can
// exist once per system.
var identitySources = []string{"okta_users", "aws_iam_users", "github_users"}

// resourceSources maps the source keys that carry resource posture records.
var resourceSources = []string{"aws_resources", "azure_storage_accounts", "gcp_buckets"}

// SyncResult counts what one SyncContext call wrote to the graph.
type SyncResult struct {
	Identities int `json:"identities"`
	Employees  int `json:"employees"`
	Resources  int `json:"resources"`
	Grants     int `json:"grants"`
}

// SyncContext ingests one connector snapshot. Upserts are MERGE-based so
// repeated syncs converge instead of duplicating, and identities are linked
// to Employee nodes by email so the orphan query is a missing-edge match.
func (g *Graph) SyncContext(ctx context.Context, data models.DataContext) (*SyncResult, error) {
	res := &SyncResult{}

	for _, emp := range data["hr_employees"] {
		if err := g.upsertEmployee(ctx, emp); err != nil {
			return res, fmt.Errorf("upserting employee: %w", err)
		}
		res.Employees++
	}

	for _, source := range identitySources {
		system := strings.TrimSuffix(source, "_users")
		if system == "aws_iam" {
			system = "aws"
		}
		for _, rec := range data[source] {
			if err := g.upsertIdentity(ctx, system, rec); err != nil {
				return res, fmt.Errorf("upserting %s identity: %w", system, err)
			}
			res.Identities++
		}
	}

	for _, source := range resourceSources {
		for _, rec := range data[source] {
			if err := g.upsertResource(ctx, rec); err != nil {
				return res, fmt.Errorf("upserting resource: %w", err)
			}
			res.Resources++
		}
	}

	for _, rec := range data["azure_role_assignments"] {
		if err := g.upsertGrant(ctx, rec); err != nil {
			return res, fmt.Errorf("upserting grant: %w", err)
		}
		res.Grants++
	}

	if err := g.linkEmployees(ctx); err != nil {
		return res, fmt.Errorf("linking employees: %w", err)
	}

	return res, nil
}

func (g *Graph) upsertIdentity(ctx context.Context, system string, rec models.Record) error {
	id := recString(rec, "id")
	if id == "" {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (i:Identity {key: $key})
		SET i.id = $id,
			i.source = $source,
			i.email = $email,
			i.name = $name,
			i.role = $role,
			i.isAdmin = $isAdmin,
			i.mfaEnabled = $mfaEnabled,
			i.active = $active
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"key":        system + ":" + id,
		"id":         id,
		"source":     system,
		"email":      strings.ToLower(recString(rec, "email")),
		"name":       recString(rec, "name"),
		"role":       recString(rec, "role"),
		"isAdmin":    recBool(rec, "is_admin"),
		"mfaEnabled": recBool(rec, "mfa_enabled"),
		"active":     recBool(rec, "active"),
	})

	return err
}

func (g *Graph) upsertEmployee(ctx context.Context, rec models.Record) error {
	email := strings.ToLower(recString(rec, "email"))
	if email == "" {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (e:Employee {email: $email})
		SET e.id = $id,
			e.name = $name,
			e.department = $department,
			e.status = $status
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"email":      email,
		"id":         recString(rec, "id"),
		"name":       recString(rec, "name"),
		"department": recString(rec, "department"),
		"status":     recString(rec, "status"),
	})

	return err
}

func (g *Graph) upsertResource(ctx context.Context, rec models.Record) error {
	id := recString(rec, "id")
	if id == "" {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (r:Resource {key: $key})
		SET r.id = $id,
			r.name = $name,
			r.resourceType = $resourceType,
			r.provider = $provider,
			r.region = $region,
			r.publicAccess = $publicAccess,
			r.encryptionEnabled = $encryptionEnabled
	`

	provider := recString(rec, "provider")

	_, err := session.Run(ctx, query, map[string]interface{}{
		"key":               provider + ":" + id,
		"id":                id,
		"name":              recString(rec, "name"),
		"resourceType":      recString(rec, "resource_type"),
		"provider":          provider,
		"region":            recString(rec, "region"),
		"publicAccess":      recBool(rec, "public_access"),
		"encryptionEnabled": recBool(rec, "encryption_enabled"),
	})

	return err
}

// upsertGrant writes a role assignment as a Grant node with a HAS_GRANT
// edge from the holding identity and an ON edge to its scope. The scope is
// kept as a Resource node even when it names a subscription or resource
// group rather than a collected resource.
func (g *Graph) upsertGrant(ctx context.Context, rec models.Record) error {
	id := recString(rec, "id")
	if id == "" {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (gr:Grant {id: $id})
		SET gr.roleName = $roleName,
			gr.roleDefinitionId = $roleDefinitionId,
			gr.privileged = $privileged,
			gr.source = $source
		WITH gr
		MERGE (i:Identity {key: $identityKey})
		ON CREATE SET i.id = $principalId, i.source = $source, i.email = ''
		MERGE (i)-[:HAS_GRANT]->(gr)
		WITH gr
		MERGE (s:Resource {key: $scopeKey})
		ON CREATE SET s.id = $scope, s.resourceType = 'scope', s.provider = $source
		MERGE (gr)-[:ON]->(s)
	`

	source := recString(rec, "source_system")
	if source == "" {
		source = "azure"
	}
	principalID := recString(rec, "principal_id")
	scope := recString(rec, "scope")

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":               id,
		"roleName":         recString(rec, "role_name"),
		"roleDefinitionId": recString(rec, "role_definition_id"),
		"privileged":       recBool(rec, "privileged"),
		"source":           source,
		"identityKey":      source + ":" + principalID,
		"principalId":      principalID,
		"scopeKey":         source + ":" + scope,
		"scope":            scope,
	})

	return err
}

// linkEmployees connects identities to HR employees by email so absence of
// the edge marks an orphan.
func (g *Graph) linkEmployees(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity), (e:Employee)
		WHERE i.email <> '' AND i.email = e.email
		MERGE (i)-[:IS_EMPLOYEE]->(e)
	`

	_, err := session.Run(ctx, query, nil)
	return err
}

// IdentityRecord is one identity row returned by the review queries.
type IdentityRecord struct {
	Key        string `json:"key"`
	ID         string `json:"id"`
	Source     string `json:"source"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	IsAdmin    bool   `json:"is_admin"`
	MFAEnabled bool   `json:"mfa_enabled"`
	Active     bool   `json:"active"`
}

// FindPrivilegedWithoutMFA returns active administrative identities that
// have no MFA factor enrolled, across all synced systems.
func (g *Graph) FindPrivilegedWithoutMFA(ctx context.Context) ([]IdentityRecord, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)
		WHERE i.isAdmin = true AND i.mfaEnabled = false AND i.active = true
		RETURN i.key as key, i.id as id, i.source as source, i.email as email,
			   i.name as name, i.role as role
		ORDER BY i.source, i.email
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var records []IdentityRecord
	for result.Next(ctx) {
		rec := result.Record()
		records = append(records, IdentityRecord{
			Key:        recordString(rec, "key"),
			ID:         recordString(rec, "id"),
			Source:     recordString(rec, "source"),
			Email:      recordString(rec, "email"),
			Name:       recordString(rec, "name"),
			Role:       recordString(rec, "role"),
			IsAdmin:    true,
			Active:     true,
			MFAEnabled: false,
		})
	}

	return records, result.Err()
}

// FindOrphanedIdentities returns identities still active in a system whose
// email has no matching HR employee. Identities without an email cannot be
// matched and are reported too.
func (g *Graph) FindOrphanedIdentities(ctx context.Context) ([]IdentityRecord, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)
		WHERE i.active = true AND NOT (i)-[:IS_EMPLOYEE]->(:Employee)
		RETURN i.key as key, i.id as id, i.source as source, i.email as email,
			   i.name as name, i.role as role, i.isAdmin as isAdmin, i.mfaEnabled as mfaEnabled
		ORDER BY i.source, i.email
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var records []IdentityRecord
	for result.Next(ctx) {
		rec := result.Record()
		records = append(records, IdentityRecord{
			Key:        recordString(rec, "key"),
			ID:         recordString(rec, "id"),
			Source:     recordString(rec, "source"),
			Email:      recordString(rec, "email"),
			Name:       recordString(rec, "name"),
			Role:       recordString(rec, "role"),
			IsAdmin:    recordBool(rec, "isAdmin"),
			MFAEnabled: recordBool(rec, "mfaEnabled"),
			Active:     true,
		})
	}

	return records, result.Err()
}

// CorrelatedIdentity groups every system identity sharing one email.
type CorrelatedIdentity struct {
	Email      string           `json:"email"`
	Systems    []string         `json:"systems"`
	Identities []IdentityRecord `json:"identities"`
}

// CorrelateByEmail returns emails present in more than one system together
// with the per-system identity rows. Auditors use this to check that a
// person's access is consistent across systems.
func (g *Graph) CorrelateByEmail(ctx context.Context) ([]CorrelatedIdentity, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)
		WHERE i.email <> ''
		WITH i.email as email,
			 collect({key: i.key, id: i.id, source: i.source, name: i.name,
					  role: i.role, isAdmin: i.isAdmin, mfaEnabled: i.mfaEnabled,
					  active: i.active}) as identities
		WHERE size(identities) > 1
		RETURN email, identities
		ORDER BY email
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var groups []CorrelatedIdentity
	for result.Next(ctx) {
		rec := result.Record()
		group := CorrelatedIdentity{Email: recordString(rec, "email")}

		raw, _ := rec.Get("identities")
		if list, ok := raw.([]interface{}); ok {
			for _, item := range list {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				ident := IdentityRecord{
					Key:        mapString(m, "key"),
					ID:         mapString(m, "id"),
					Source:     mapString(m, "source"),
					Email:      group.Email,
					Name:       mapString(m, "name"),
					Role:       mapString(m, "role"),
					IsAdmin:    mapBool(m, "isAdmin"),
					MFAEnabled: mapBool(m, "mfaEnabled"),
					Active:     mapBool(m, "active"),
				}
				group.Identities = append(group.Identities, ident)
				group.Systems = append(group.Systems, ident.Source)
			}
		}

		groups = append(groups, group)
	}

	return groups, result.Err()
}

// Stats summarizes the graph for the access dashboard.
type Stats struct {
	IdentitiesBySource  map[string]int `json:"identities_by_source"`
	AdminCount          int            `json:"admin_count"`
	AdminsWithoutMFA    int            `json:"admins_without_mfa"`
	OrphanedCount       int            `json:"orphaned_count"`
	GrantCount          int            `json:"grant_count"`
	PrivilegedGrants    int            `json:"privileged_grants"`
	PublicResourceCount int            `json:"public_resource_count"`
}

func (g *Graph) GetStats(ctx context.Context) (*Stats, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stats := &Stats{IdentitiesBySource: make(map[string]int)}

	result, err := session.Run(ctx, `
		MATCH (i:Identity)
		RETURN i.source as source, count(i) as count
	`, nil)
	if err == nil {
		for result.Next(ctx) {
			rec := result.Record()
			stats.IdentitiesBySource[recordString(rec, "source")] = recordInt(rec, "count")
		}
	}

	result, err = session.Run(ctx, `
		MATCH (i:Identity)
		WHERE i.isAdmin = true AND i.active = true
		RETURN count(i) as total,
			   count(CASE WHEN i.mfaEnabled = false THEN 1 END) as noMfa
	`, nil)
	if err == nil && result.Next(ctx) {
		rec := result.Record()
		stats.AdminCount = recordInt(rec, "total")
		stats.AdminsWithoutMFA = recordInt(rec, "noMfa")
	}

	result, err = session.Run(ctx, `
		MATCH (i:Identity)
		WHERE i.active = true AND NOT (i)-[:IS_EMPLOYEE]->(:Employee)
		RETURN count(i) as count
	`, nil)
	if err == nil && result.Next(ctx) {
		stats.OrphanedCount = recordInt(result.Record(), "count")
	}

	result, err = session.Run(ctx, `
		MATCH (gr:Grant)
		RETURN count(gr) as total,
			   count(CASE WHEN gr.privileged = true THEN 1 END) as privileged
	`, nil)
	if err == nil && result.Next(ctx) {
		rec := result.Record()
		stats.GrantCount = recordInt(rec, "total")
		stats.PrivilegedGrants = recordInt(rec, "privileged")
	}

	result, err = session.Run(ctx, `
		MATCH (r:Resource)
		WHERE r.publicAccess = true
		RETURN count(r) as count
	`, nil)
	if err == nil && result.Next(ctx) {
		stats.PublicResourceCount = recordInt(result.Record(), "count")
	}

	return stats, nil
}

// --- record field helpers ---

func recString(r models.Record, key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func recBool(r models.Record, key string) bool {
	if v, ok := r[key].(bool); ok {
		return v
	}
	return false
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func recordBool(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

func recordInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	if n, ok := v.(int64); ok {
		return int(n)
	}
	return 0
}

func mapString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
