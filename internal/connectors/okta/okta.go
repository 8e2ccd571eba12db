// Package okta collects identity posture from the Okta API: the user
// population with MFA enrollment and admin role assignments, plus an
// optional HR employee feed used to detect orphaned accounts.
package okta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/attestra/ccm/internal/models"
)

type Config struct {
	Domain    string // e.g. example.okta.com
	APIToken  string
	HRFeedURL string // optional JSON array of HR employee records
}

type Connector struct {
	baseURL string
	token   string
	hrFeed  string
	client  *http.Client
}

func New(cfg Config) (*Connector, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("okta: domain is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("okta: api token is required")
	}

	base := cfg.Domain
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Connector{
		baseURL: strings.TrimSuffix(base, "/"),
		token:   cfg.APIToken,
		hrFeed:  cfg.HRFeedURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Connector) Name() string {
	return "okta"
}

func (c *Connector) Sources() []string {
	if c.hrFeed != "" {
		return []string{"okta_users", "hr_employees"}
	}
	return []string{"okta_users"}
}

func (c *Connector) TestConnection(ctx context.Context) error {
	var users []oktaUser
	_, err := c.getJSON(ctx, c.baseURL+"/api/v1/users?limit=1", &users)
	return err
}

func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	users, err := c.collectUsers(ctx)
	if err != nil {
		return nil, err
	}
	data := models.DataContext{"okta_users": users}

	if c.hrFeed != "" {
		employees, err := c.collectHREmployees(ctx)
		if err != nil {
			return nil, err
		}
		data["hr_employees"] = employees
	}
	return data, nil
}

type oktaUser struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	LastLogin *time.Time `json:"lastLogin"`
	Profile   struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	} `json:"profile"`
}

type oktaFactor struct {
	FactorType string `json:"factorType"`
	Status     string `json:"status"`
}

type oktaRole struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (c *Connector) collectUsers(ctx context.Context) ([]models.Record, error) {
	var records []models.Record

	url := c.baseURL + "/api/v1/users?limit=200"
	for url != "" {
		var page []oktaUser
		resp, err := c.getJSON(ctx, url, &page)
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		for _, u := range page {
			mfa, err := c.hasMFA(ctx, u.ID)
			if err != nil {
				return nil, err
			}
			admin, role, err := c.adminRole(ctx, u.ID)
			if err != nil {
				return nil, err
			}

			rec := models.Record{
				"id":            u.ID,
				"email":         strings.ToLower(u.Profile.Email),
				"name":          strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName),
				"role":          role,
				"is_admin":      admin,
				"mfa_enabled":   mfa,
				"active":        u.Status == "ACTIVE",
				"status":        u.Status,
				"source_system": "okta",
			}
			if u.LastLogin != nil {
				rec["last_login"] = u.LastLogin.UTC().Format(time.RFC3339)
			} else {
				rec["last_login"] = nil
			}
			records = append(records, rec)
		}

		url = nextLink(resp)
	}
	return records, nil
}

func (c *Connector) hasMFA(ctx context.Context, userID string) (bool, error) {
	var factors []oktaFactor
	if _, err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/users/%s/factors", c.baseURL, userID), &factors); err != nil {
		return false, fmt.Errorf("listing factors for %s: %w", userID, err)
	}
	for _, f := range factors {
		if f.Status == "ACTIVE" {
			return true, nil
		}
	}
	return false, nil
}

func (c *Connector) adminRole(ctx context.Context, userID string) (bool, string, error) {
	var roles []oktaRole
	if _, err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/users/%s/roles", c.baseURL, userID), &roles); err != nil {
		return false, "", fmt.Errorf("listing roles for %s: %w", userID, err)
	}
	for _, r := range roles {
		if strings.Contains(r.Type, "ADMIN") {
			return true, strings.ToLower(r.Type), nil
		}
	}
	return false, "user", nil
}

func (c *Connector) collectHREmployees(ctx context.Context) ([]models.Record, error) {
	var employees []models.Record
	if _, err := c.getJSON(ctx, c.hrFeed, &employees); err != nil {
		return nil, fmt.Errorf("fetching hr feed: %w", err)
	}
	for _, e := range employees {
		if email, ok := e["email"].(string); ok {
			e["email"] = strings.ToLower(email)
		}
	}
	return employees, nil
}

// getJSON performs an authenticated GET and decodes the body into out. The
// response is returned with its body drained so callers can read paging
// headers.
func (c *Connector) getJSON(ctx context.Context, url string, out interface{}) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "SSWS "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("okta returned status %d for %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	return resp, nil
}

// nextLink extracts the rel="next" URL from an Okta Link header, if any.
func nextLink(resp *http.Response) string {
	for _, link := range resp.Header.Values("Link") {
		parts := strings.Split(link, ";")
		if len(parts) < 2 {
			continue
		}
		if strings.TrimSpace(parts[1]) == `rel="next"` {
			return strings.Trim(strings.TrimSpace(parts[0]), "<>")
		}
	}
	return ""
}
