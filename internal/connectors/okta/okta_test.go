package okta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOktaServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "SSWS test-token" {
			t.Errorf("Authorization = %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		// Two pages, linked via the Link header like the real API.
		if r.URL.Query().Get("after") == "" {
			w.Header().Add("Link", fmt.Sprintf("<%s/api/v1/users?limit=200>; rel=\"self\"", server.URL))
			w.Header().Add("Link", fmt.Sprintf("<%s/api/v1/users?after=a1&limit=200>; rel=\"next\"", server.URL))
			fmt.Fprint(w, `[{
				"id": "00u1",
				"status": "ACTIVE",
				"lastLogin": "2026-08-20T14:05:00.000Z",
				"profile": {"firstName": "Security", "lastName": "Lead", "email": "Security@Example.com"}
			}]`)
			return
		}
		fmt.Fprint(w, `[{
			"id": "00u2",
			"status": "SUSPENDED",
			"lastLogin": null,
			"profile": {"firstName": "Dev", "lastName": "User", "email": "dev@example.com"}
		}]`)
	})

	mux.HandleFunc("/api/v1/users/00u1/factors", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"factorType": "token:software:totp", "status": "ACTIVE"}]`)
	})
	mux.HandleFunc("/api/v1/users/00u2/factors", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"factorType": "sms", "status": "PENDING_ACTIVATION"}]`)
	})

	mux.HandleFunc("/api/v1/users/00u1/roles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"type": "SUPER_ADMIN", "status": "ACTIVE"}]`)
	})
	mux.HandleFunc("/api/v1/users/00u2/roles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	mux.HandleFunc("/hr.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"employee_id": "emp-1", "email": "Security@Example.com", "status": "active"}]`)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCollect(t *testing.T) {
	server := newOktaServer(t)

	c, err := New(Config{Domain: server.URL, APIToken: "test-token", HRFeedURL: server.URL + "/hr.json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	users := data["okta_users"]
	if len(users) != 2 {
		t.Fatalf("okta_users = %d, want 2 (pagination)", len(users))
	}

	lead := users[0]
	if lead["id"] != "00u1" {
		t.Errorf("id = %v", lead["id"])
	}
	if lead["email"] != "security@example.com" {
		t.Errorf("email should be lowercased, got %v", lead["email"])
	}
	if lead["name"] != "Security Lead" {
		t.Errorf("name = %v", lead["name"])
	}
	if lead["is_admin"] != true || lead["role"] != "super_admin" {
		t.Errorf("admin mapping = %v / %v", lead["is_admin"], lead["role"])
	}
	if lead["mfa_enabled"] != true {
		t.Error("active factor should mean mfa_enabled")
	}
	if lead["active"] != true {
		t.Error("ACTIVE status should map to active")
	}
	if lead["last_login"] == nil {
		t.Error("last_login should carry the login timestamp")
	}

	dev := users[1]
	if dev["mfa_enabled"] != false {
		t.Error("pending factor must not count as MFA")
	}
	if dev["is_admin"] != false || dev["role"] != "user" {
		t.Errorf("non-admin mapping = %v / %v", dev["is_admin"], dev["role"])
	}
	if dev["active"] != false {
		t.Error("SUSPENDED status should map to inactive")
	}

	employees := data["hr_employees"]
	if len(employees) != 1 {
		t.Fatalf("hr_employees = %d, want 1", len(employees))
	}
	if employees[0]["email"] != "security@example.com" {
		t.Errorf("hr email should be lowercased, got %v", employees[0]["email"])
	}
}

func TestSourcesDependOnHRFeed(t *testing.T) {
	withFeed, err := New(Config{Domain: "example.okta.com", APIToken: "tok", HRFeedURL: "https://hr.example.com/feed"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(withFeed.Sources()) != 2 {
		t.Errorf("sources with feed = %v", withFeed.Sources())
	}

	withoutFeed, err := New(Config{Domain: "example.okta.com", APIToken: "tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(withoutFeed.Sources()) != 1 {
		t.Errorf("sources without feed = %v", withoutFeed.Sources())
	}
}

func TestTestConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"errorSummary": "Invalid token"})
	}))
	defer server.Close()

	c, err := New(Config{Domain: server.URL, APIToken: "bad"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.TestConnection(context.Background()); err == nil {
		t.Fatal("expected error for rejected token")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{APIToken: "tok"}); err == nil {
		t.Error("missing domain should fail")
	}
	if _, err := New(Config{Domain: "example.okta.com"}); err == nil {
		t.Error("missing token should fail")
	}
}
