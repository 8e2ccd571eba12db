// Package github collects organization posture from the GitHub API as a
// GitHub App: member accounts with 2FA enrollment and admin role, and
// repositories with their default-branch protection.
//
// Authentication is the App flow: a short-lived RS256 JWT signed with the
// App's private key is exchanged for an installation access token, which is
// cached until shortly before expiry.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attestra/ccm/internal/models"
)

type Config struct {
	AppID          int64
	InstallationID int64
	PrivateKeyFile string
	Org            string
	BaseURL        string // defaults to https://api.github.com
}

type Connector struct {
	appID          int64
	installationID int64
	org            string
	baseURL        string
	signingKey     interface{}
	client         *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config) (*Connector, error) {
	if cfg.AppID == 0 || cfg.InstallationID == 0 {
		return nil, fmt.Errorf("github: app_id and installation_id are required")
	}
	if cfg.Org == "" {
		return nil, fmt.Errorf("github: org is required")
	}

	pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("github: reading private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("github: parsing private key: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}

	return &Connector{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		org:            cfg.Org,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		signingKey:     key,
		client:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Connector) Name() string {
	return "github"
}

func (c *Connector) Sources() []string {
	return []string{"github_users", "github_repos"}
}

func (c *Connector) TestConnection(ctx context.Context) error {
	var org struct {
		Login string `json:"login"`
	}
	_, err := c.getJSON(ctx, fmt.Sprintf("%s/orgs/%s", c.baseURL, c.org), &org)
	return err
}

func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Connector) Collect(ctx context.Context) (models.DataContext, error) {
	users, err := c.collectMembers(ctx)
	if err != nil {
		return nil, err
	}
	repos, err := c.collectRepos(ctx)
	if err != nil {
		return nil, err
	}
	return models.DataContext{
		"github_users": users,
		"github_repos": repos,
	}, nil
}

type ghMember struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type"`
}

type ghRepo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived"`
	DefaultBranch string `json:"default_branch"`
	Visibility    string `json:"visibility"`
}

func (c *Connector) collectMembers(ctx context.Context) ([]models.Record, error) {
	members, err := c.listMembers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	admins, err := c.listMembers(ctx, "role=admin")
	if err != nil {
		return nil, fmt.Errorf("listing admins: %w", err)
	}
	// Org-owner visibility: members who have not enabled 2FA.
	noMFA, err := c.listMembers(ctx, "filter=2fa_disabled")
	if err != nil {
		return nil, fmt.Errorf("listing 2fa_disabled members: %w", err)
	}

	adminSet := make(map[string]bool, len(admins))
	for _, m := range admins {
		adminSet[m.Login] = true
	}
	noMFASet := make(map[string]bool, len(noMFA))
	for _, m := range noMFA {
		noMFASet[m.Login] = true
	}

	records := make([]models.Record, 0, len(members))
	for _, m := range members {
		records = append(records, models.Record{
			"id":            m.Login,
			"name":          m.Login,
			"is_admin":      adminSet[m.Login],
			"mfa_enabled":   !noMFASet[m.Login],
			"active":        true,
			"source_system": "github",
			"external_id":   strconv.FormatInt(m.ID, 10),
		})
	}
	return records, nil
}

func (c *Connector) listMembers(ctx context.Context, filter string) ([]ghMember, error) {
	var all []ghMember

	url := fmt.Sprintf("%s/orgs/%s/members?per_page=100", c.baseURL, c.org)
	if filter != "" {
		url += "&" + filter
	}
	for url != "" {
		var page []ghMember
		resp, err := c.getJSON(ctx, url, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		url = nextLink(resp)
	}
	return all, nil
}

func (c *Connector) collectRepos(ctx context.Context) ([]models.Record, error) {
	var records []models.Record

	url := fmt.Sprintf("%s/orgs/%s/repos?per_page=100", c.baseURL, c.org)
	for url != "" {
		var page []ghRepo
		resp, err := c.getJSON(ctx, url, &page)
		if err != nil {
			return nil, fmt.Errorf("listing repos: %w", err)
		}

		for _, repo := range page {
			protected, reviews, err := c.branchProtection(ctx, repo.Name, repo.DefaultBranch)
			if err != nil {
				return nil, err
			}
			records = append(records, models.Record{
				"id":               repo.FullName,
				"name":             repo.Name,
				"private":          repo.Private,
				"archived":         repo.Archived,
				"visibility":       repo.Visibility,
				"default_branch":   repo.DefaultBranch,
				"branch_protected": protected,
				"reviews_required": reviews,
				"source_system":    "github",
			})
		}
		url = nextLink(resp)
	}
	return records, nil
}

// branchProtection reports whether the branch has a protection rule and
// whether that rule requires pull request reviews. GitHub answers 404 for
// unprotected branches.
func (c *Connector) branchProtection(ctx context.Context, repo, branch string) (protected, reviews bool, err error) {
	if branch == "" {
		return false, false, nil
	}

	var protection struct {
		RequiredPullRequestReviews *struct {
			RequiredApprovingReviewCount int `json:"required_approving_review_count"`
		} `json:"required_pull_request_reviews"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/branches/%s/protection", c.baseURL, c.org, repo, branch)
	resp, err := c.getJSON(ctx, url, &protection)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, false, nil
		}
		return false, false, fmt.Errorf("branch protection for %s: %w", repo, err)
	}
	return true, protection.RequiredPullRequestReviews != nil, nil
}

// appJWT mints the short-lived App JWT used to request installation tokens.
func (c *Connector) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)), // clock skew
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.signingKey)
}

func (c *Connector) installationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	appJWT, err := c.appJWT()
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("github token exchange returned status %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	c.token = body.Token
	c.tokenExpiry = body.ExpiresAt
	return c.token, nil
}

func (c *Connector) getJSON(ctx context.Context, url string, out interface{}) (*http.Response, error) {
	token, err := c.installationToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("github returned status %d for %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	return resp, nil
}

// nextLink extracts the rel="next" URL from a GitHub Link header, where
// multiple relations share one comma-separated header value.
func nextLink(resp *http.Response) string {
	for _, header := range resp.Header.Values("Link") {
		for _, link := range strings.Split(header, ",") {
			parts := strings.Split(link, ";")
			if len(parts) < 2 {
				continue
			}
			if strings.TrimSpace(parts[1]) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(parts[0]), "<>")
			}
		}
	}
	return ""
}
