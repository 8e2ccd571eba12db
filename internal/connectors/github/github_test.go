package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeTestKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return path, &key.PublicKey
}

func newGitHubServer(t *testing.T, pub *rsa.PublicKey, tokenRequests *atomic.Int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/app/installations/77/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return pub, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil || !token.Valid {
			t.Errorf("app jwt did not verify: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if iss, _ := token.Claims.GetIssuer(); iss != "1234" {
			t.Errorf("jwt issuer = %q, want app id", iss)
		}

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_testtoken", "expires_at": %q}`,
			time.Now().Add(time.Hour).Format(time.RFC3339))
	})

	requireToken := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer ghs_testtoken" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/orgs/acme/members", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		switch {
		case r.URL.Query().Get("role") == "admin":
			fmt.Fprint(w, `[{"login": "octocat", "id": 1}]`)
		case r.URL.Query().Get("filter") == "2fa_disabled":
			fmt.Fprint(w, `[{"login": "legacy-bot", "id": 2}]`)
		default:
			fmt.Fprint(w, `[{"login": "octocat", "id": 1}, {"login": "legacy-bot", "id": 2}]`)
		}
	})

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		fmt.Fprint(w, `[
			{"name": "api", "full_name": "acme/api", "private": true, "default_branch": "main", "visibility": "private"},
			{"name": "legacy", "full_name": "acme/legacy", "private": false, "default_branch": "master", "visibility": "public"}
		]`)
	})

	mux.HandleFunc("/repos/acme/api/branches/main/protection", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"required_pull_request_reviews": {"required_approving_review_count": 2}}`)
	})
	mux.HandleFunc("/repos/acme/legacy/branches/master/protection", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Branch not protected"}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCollect(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	var tokenRequests atomic.Int64
	server := newGitHubServer(t, pub, &tokenRequests)

	c, err := New(Config{
		AppID:          1234,
		InstallationID: 77,
		PrivateKeyFile: keyPath,
		Org:            "acme",
		BaseURL:        server.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	users := data["github_users"]
	if len(users) != 2 {
		t.Fatalf("github_users = %d, want 2", len(users))
	}
	byID := map[interface{}]map[string]interface{}{}
	for _, u := range users {
		byID[u["id"]] = u
	}
	if u := byID["octocat"]; u["is_admin"] != true || u["mfa_enabled"] != true {
		t.Errorf("octocat = %v", u)
	}
	if u := byID["legacy-bot"]; u["is_admin"] != false || u["mfa_enabled"] != false {
		t.Errorf("legacy-bot = %v", u)
	}

	repos := data["github_repos"]
	if len(repos) != 2 {
		t.Fatalf("github_repos = %d, want 2", len(repos))
	}
	for _, r := range repos {
		switch r["name"] {
		case "api":
			if r["branch_protected"] != true || r["reviews_required"] != true {
				t.Errorf("api protection = %v / %v", r["branch_protected"], r["reviews_required"])
			}
		case "legacy":
			if r["branch_protected"] != false {
				t.Error("unprotected branch (404) must map to branch_protected = false")
			}
		}
	}

	// Installation token is cached across the whole collection.
	if got := tokenRequests.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
}

func TestNewValidation(t *testing.T) {
	keyPath, _ := writeTestKey(t)

	if _, err := New(Config{InstallationID: 77, PrivateKeyFile: keyPath, Org: "acme"}); err == nil {
		t.Error("missing app id should fail")
	}
	if _, err := New(Config{AppID: 1, InstallationID: 77, PrivateKeyFile: keyPath}); err == nil {
		t.Error("missing org should fail")
	}
	if _, err := New(Config{AppID: 1, InstallationID: 77, PrivateKeyFile: filepath.Join(t.TempDir(), "missing.pem"), Org: "acme"}); err == nil {
		t.Error("missing key file should fail")
	}

	badKey := filepath.Join(t.TempDir(), "bad.pem")
	os.WriteFile(badKey, []byte("not a key"), 0o600)
	if _, err := New(Config{AppID: 1, InstallationID: 77, PrivateKeyFile: badKey, Org: "acme"}); err == nil {
		t.Error("unparseable key should fail")
	}
}
