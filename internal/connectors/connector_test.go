package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/attestra/ccm/internal/models"
)

type stubConnector struct {
	name       string
	sources    []string
	fragment   models.DataContext
	collectErr error
	testErr    error
	closed     bool
}

func (s *stubConnector) Name() string      { return s.name }
func (s *stubConnector) Sources() []string { return s.sources }

func (s *stubConnector) Collect(ctx context.Context) (models.DataContext, error) {
	if s.collectErr != nil {
		return nil, s.collectErr
	}
	return s.fragment, nil
}

func (s *stubConnector) TestConnection(ctx context.Context) error { return s.testErr }

func (s *stubConnector) Close() error {
	s.closed = true
	return nil
}

func TestCollectAllMergesFragments(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&stubConnector{
		name:    "identity",
		sources: []string{"okta_users"},
		fragment: models.DataContext{
			"okta_users": {{"id": "okta-user-1"}, {"id": "okta-user-2"}},
		},
	})
	reg.Register(&stubConnector{
		name:    "cloud",
		sources: []string{"aws_resources"},
		fragment: models.DataContext{
			"aws_resources": {{"id": "rds-dev-1"}},
		},
	})

	data, err := reg.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("merged sources = %d, want 2", len(data))
	}
	if len(data["okta_users"]) != 2 {
		t.Errorf("okta_users records = %d, want 2", len(data["okta_users"]))
	}
	if len(data["aws_resources"]) != 1 {
		t.Errorf("aws_resources records = %d, want 1", len(data["aws_resources"]))
	}
}

func TestCollectAllIsolatesFailures(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&stubConnector{
		name:       "broken",
		sources:    []string{"github_users"},
		collectErr: errors.New("401 unauthorized"),
	})
	reg.Register(&stubConnector{
		name:    "healthy",
		sources: []string{"okta_users"},
		fragment: models.DataContext{
			"okta_users": {{"id": "okta-user-1"}},
		},
	})

	data, err := reg.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("one healthy connector should not error the cycle: %v", err)
	}
	if data.Has("github_users") {
		t.Error("failed connector's source should be absent")
	}
	if !data.Has("okta_users") {
		t.Error("healthy connector's source should be present")
	}
}

func TestCollectAllReportsTotalFailure(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&stubConnector{
		name:       "broken",
		sources:    []string{"okta_users"},
		collectErr: errors.New("connection refused"),
	})

	_, err := reg.CollectAll(context.Background())
	if err == nil {
		t.Fatal("expected error when every connector fails")
	}
}

func TestCollectAllEmptyRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	data, err := reg.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty context, got %d sources", len(data))
	}
}

func TestStatusAll(t *testing.T) {
	reg := NewRegistry(nil)
	healthy := &stubConnector{
		name:    "mock",
		sources: []string{"okta_users"},
		fragment: models.DataContext{
			"okta_users": {{"id": "okta-user-1"}},
		},
	}
	reg.Register(healthy)
	reg.Register(&stubConnector{
		name:    "github",
		sources: []string{"github_users"},
		testErr: errors.New("bad credentials"),
	})

	if _, err := reg.CollectAll(context.Background()); err != nil {
		t.Fatalf("CollectAll: %v", err)
	}

	statuses := reg.StatusAll(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}

	if !statuses[0].Healthy {
		t.Error("mock connector should be healthy")
	}
	if statuses[0].LastSync == nil {
		t.Error("collected connector should report last sync")
	}
	if statuses[1].Healthy {
		t.Error("github connector should be unhealthy")
	}
	if statuses[1].Message != "bad credentials" {
		t.Errorf("message = %q", statuses[1].Message)
	}
	if statuses[1].LastSync != nil {
		t.Error("never-collected connector should have no last sync")
	}
}

func TestCloseClosesAll(t *testing.T) {
	reg := NewRegistry(nil)
	a := &stubConnector{name: "a"}
	b := &stubConnector{name: "b"}
	reg.Register(a)
	reg.Register(b)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("all connectors should be closed")
	}
}
