// Package connectors integrates external systems as data context producers.
// Each connector collects a snapshot of one or more named sources; the
// registry merges those snapshots into the context the evaluation engine
// runs against.
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attestra/ccm/internal/models"
)

// Connector defines the interface for data source integrations
type Connector interface {
	// Name identifies the connector in logs and API responses
	Name() string

	// Sources lists the data context keys this connector produces
	Sources() []string

	// Collect gathers a fresh snapshot of every source the connector serves
	Collect(ctx context.Context) (models.DataContext, error)

	// TestConnection verifies credentials and reachability without collecting
	TestConnection(ctx context.Context) error

	// Close releases any resources held by the connector
	Close() error
}

// Status describes a registered connector for the API surface.
type Status struct {
	Name     string     `json:"name"`
	Sources  []string   `json:"sources"`
	Healthy  bool       `json:"healthy"`
	Message  string     `json:"message,omitempty"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Registry holds the configured connectors and assembles the merged data
// context for an evaluation cycle. One connector failing to collect never
// aborts the cycle: its sources are simply absent from the context, and the
// engine treats absent sources as inconclusive rather than compliant.
type Registry struct {
	mu         sync.RWMutex
	connectors []Connector
	lastSync   map[string]time.Time
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lastSync: make(map[string]time.Time),
		logger:   logger,
	}
}

// Register adds a connector. Registration order is collection order.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = append(r.connectors, c)
	r.logger.Info("connector registered", "connector", c.Name(), "sources", c.Sources())
}

// Connectors returns the registered connectors in registration order.
func (r *Registry) Connectors() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, len(r.connectors))
	copy(out, r.connectors)
	return out
}

// CollectAll collects from every registered connector and merges the
// fragments into one context. Per-connector failures are logged and
// skipped. The returned error is non-nil only when connectors are
// registered and every one of them failed.
func (r *Registry) CollectAll(ctx context.Context) (models.DataContext, error) {
	merged := models.DataContext{}

	var firstErr error
	succeeded := 0
	for _, c := range r.Connectors() {
		start := time.Now()
		fragment, err := c.Collect(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("connector %s: %w", c.Name(), err)
			}
			r.logger.Error("connector collection failed",
				"connector", c.Name(),
				"error", err)
			continue
		}

		records := 0
		for source, rows := range fragment {
			if _, ok := merged[source]; ok {
				r.logger.Warn("source collected twice, keeping latest",
					"source", source,
					"connector", c.Name())
			}
			merged[source] = rows
			records += len(rows)
		}

		r.mu.Lock()
		r.lastSync[c.Name()] = time.Now().UTC()
		r.mu.Unlock()
		succeeded++

		r.logger.Info("connector collected",
			"connector", c.Name(),
			"sources", len(fragment),
			"records", records,
			"duration", time.Since(start).String())
	}

	if succeeded == 0 && firstErr != nil {
		return merged, fmt.Errorf("all connectors failed: %w", firstErr)
	}
	return merged, nil
}

// StatusAll probes every connector with TestConnection and reports its
// health alongside the last successful collection time.
func (r *Registry) StatusAll(ctx context.Context) []Status {
	conns := r.Connectors()
	statuses := make([]Status, 0, len(conns))
	for _, c := range conns {
		st := Status{
			Name:    c.Name(),
			Sources: c.Sources(),
			Healthy: true,
		}
		if err := c.TestConnection(ctx); err != nil {
			st.Healthy = false
			st.Message = err.Error()
		}
		r.mu.RLock()
		if ts, ok := r.lastSync[c.Name()]; ok {
			t := ts
			st.LastSync = &t
		}
		r.mu.RUnlock()
		statuses = append(statuses, st)
	}
	return statuses
}

// Close closes all registered connectors, returning the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, c := range r.Connectors() {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", c.Name(), err)
		}
	}
	return firstErr
}
