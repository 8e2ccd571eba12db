package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/attestra/ccm/internal/access"
	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/config"
	"github.com/attestra/ccm/internal/connectors"
	"github.com/attestra/ccm/internal/connectors/aws"
	"github.com/attestra/ccm/internal/connectors/azure"
	"github.com/attestra/ccm/internal/connectors/gcp"
	"github.com/attestra/ccm/internal/connectors/github"
	"github.com/attestra/ccm/internal/connectors/mock"
	"github.com/attestra/ccm/internal/connectors/okta"
	"github.com/attestra/ccm/internal/engine"
	"github.com/attestra/ccm/internal/evidence"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
	"github.com/attestra/ccm/internal/notifications"
	"github.com/attestra/ccm/internal/queue"
	"github.com/attestra/ccm/internal/reports"
	"github.com/attestra/ccm/internal/scheduler"
	"github.com/attestra/ccm/internal/store"
)

// Server wires the control catalog, evaluation engine, evidence vault and
// their collaborators behind the REST API. Everything optional (Redis
// queue, Neo4j access graph, notification channels) is nil when disabled
// in config.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	store    store.Store
	catalog  *catalog.Active
	engine   *engine.Engine
	tracker  *findings.Tracker
	vault    *evidence.Vault
	registry *connectors.Registry

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	queue  *queue.Queue
	worker *queue.Worker
	graph  *access.Graph

	notifier *notifications.Service

	provider        *dataProvider
	reportGenerator *reports.Generator
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var db *sqlx.DB
	if cfg.Database.Enabled {
		pg, err := store.NewPostgres(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		s.store = pg
		db = pg.DB()
	} else {
		s.store = store.NewMemory()
		s.logger.Warn("database disabled, evaluation history is in-memory only")
	}

	cat, err := catalog.Load(cfg.Engine.CatalogPaths...)
	if err != nil {
		return nil, fmt.Errorf("loading control catalog: %w", err)
	}
	s.catalog = catalog.NewActive(cat)

	var findingStore findings.Store
	if db != nil {
		findingStore = findings.NewPostgresStore(db)
	} else {
		findingStore = findings.NewMemStore()
	}
	s.tracker = findings.NewTracker(findingStore, s.logger)

	var objectStore evidence.ObjectStore
	switch cfg.Vault.Backend {
	case "s3":
		objectStore, err = evidence.NewS3Store(ctx, cfg.Vault.S3Bucket, cfg.Vault.S3Prefix, cfg.Vault.S3Region)
	default:
		objectStore, err = evidence.NewFSStore(cfg.Vault.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing evidence backend: %w", err)
	}
	s.vault, err = evidence.NewVault(ctx, objectStore, s.logger)
	if err != nil {
		return nil, fmt.Errorf("opening evidence vault: %w", err)
	}

	s.registry = connectors.NewRegistry(s.logger)
	if err := s.registerConnectors(ctx); err != nil {
		return nil, err
	}

	if cfg.Notifications.Slack.Enabled || cfg.Notifications.Email.Enabled {
		s.notifier = notifications.NewService(notifications.Config{
			Slack: notifications.SlackConfig{
				WebhookURL:  cfg.Notifications.Slack.WebhookURL,
				Channel:     cfg.Notifications.Slack.Channel,
				Username:    "CCM Bot",
				IconEmoji:   ":shield:",
				Enabled:     cfg.Notifications.Slack.Enabled,
				MinSeverity: cfg.Notifications.MinSeverity,
			},
			Email: notifications.EmailConfig{
				SMTPHost:    cfg.Notifications.Email.SMTPHost,
				SMTPPort:    cfg.Notifications.Email.SMTPPort,
				Username:    cfg.Notifications.Email.Username,
				Password:    cfg.Notifications.Email.Password,
				From:        cfg.Notifications.Email.From,
				To:          cfg.Notifications.Email.To,
				Enabled:     cfg.Notifications.Email.Enabled,
				MinSeverity: cfg.Notifications.MinSeverity,
			},
		}, s.logger)
	}

	s.engine = engine.New(s.catalog, s.store, s.tracker, s.vault, engine.Config{
		Workers: cfg.Engine.Workers,
		Timeout: cfg.Engine.EvaluationTimeout,
	}, s.logger)

	if db != nil {
		s.schedulerStore = scheduler.NewPostgresStore(db)
	} else {
		s.schedulerStore = scheduler.NewMemStore()
	}
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)

	if cfg.Redis.Enabled {
		q, err := queue.New(queue.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to job queue: %w", err)
		}
		s.queue = q
		s.worker = queue.NewWorker(queue.WorkerConfig{
			Queue:    q,
			Registry: s.registry,
			Engine:   s.engine,
			Catalog:  s.catalog,
			Tracker:  s.tracker,
			Notifier: s.notifier,
		})
	}

	if cfg.Neo4j.Enabled {
		g, err := access.New(access.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to access graph: %w", err)
		}
		s.graph = g
	}

	s.provider = &dataProvider{
		store:   s.store,
		catalog: s.catalog,
		tracker: s.tracker,
		vault:   s.vault,
	}
	s.reportGenerator = reports.NewGenerator(s.provider)

	s.registerJobHandlers()
	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerConnectors(ctx context.Context) error {
	cc := s.cfg.Connectors

	if cc.Mock.Enabled {
		s.registry.Register(mock.New())
	}

	if cc.Okta.Enabled {
		c, err := okta.New(okta.Config{
			Domain:    cc.Okta.Domain,
			APIToken:  cc.Okta.APIToken,
			HRFeedURL: cc.Okta.HRFeed,
		})
		if err != nil {
			return fmt.Errorf("initializing okta connector: %w", err)
		}
		s.registry.Register(c)
	}

	if cc.GitHub.Enabled {
		c, err := github.New(github.Config{
			AppID:          cc.GitHub.AppID,
			InstallationID: cc.GitHub.InstallationID,
			PrivateKeyFile: cc.GitHub.PrivateKeyFile,
			Org:            cc.GitHub.Org,
			BaseURL:        cc.GitHub.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("initializing github connector: %w", err)
		}
		s.registry.Register(c)
	}

	if cc.AWS.Enabled {
		c, err := aws.New(ctx, aws.Config{
			Region:          cc.AWS.Region,
			AssumeRoleARN:   cc.AWS.AssumeRoleARN,
			ExternalID:      cc.AWS.ExternalID,
			AccessKeyID:     cc.AWS.AccessKeyID,
			SecretAccessKey: cc.AWS.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("initializing aws connector: %w", err)
		}
		s.registry.Register(c)
	}

	if cc.Azure.Enabled {
		c, err := azure.New(ctx, azure.Config{
			TenantID:       cc.Azure.TenantID,
			ClientID:       cc.Azure.ClientID,
			ClientSecret:   cc.Azure.ClientSecret,
			SubscriptionID: cc.Azure.SubscriptionID,
		})
		if err != nil {
			return fmt.Errorf("initializing azure connector: %w", err)
		}
		s.registry.Register(c)
	}

	if cc.GCP.Enabled {
		c, err := gcp.New(ctx, gcp.Config{
			ProjectID:       cc.GCP.ProjectID,
			CredentialsFile: cc.GCP.CredentialsFile,
		})
		if err != nil {
			return fmt.Errorf("initializing gcp connector: %w", err)
		}
		s.registry.Register(c)
	}

	return nil
}

// registerJobHandlers binds the store-defined job types to the running
// services. Evaluation jobs go through the queue when one is configured so
// a worker fleet absorbs the load.
func (s *Server) registerJobHandlers() {
	handlers := &scheduler.DefaultHandlers{
		EvaluateAllFunc: func(ctx context.Context) error {
			return s.dispatchEvaluation(ctx, nil, "scheduler")
		},
		EvaluateControlsFunc: func(ctx context.Context, controlIDs []string) error {
			return s.dispatchEvaluation(ctx, controlIDs, "scheduler")
		},
		ReportFunc: func(ctx context.Context, jobCfg map[string]string) error {
			req := &reports.ReportRequest{
				Type:   reports.ReportType(jobCfg["report_type"]),
				Format: reports.ReportFormat(jobCfg["format"]),
			}
			if req.Type == "" {
				req.Type = reports.ReportTypeCompliance
			}
			if req.Format == "" {
				req.Format = reports.FormatPDF
			}
			report, err := s.reportGenerator.Generate(ctx, req)
			if err != nil {
				return err
			}
			// Scheduled reports are archived as evidence so auditors can
			// pull point-in-time snapshots later.
			_, err = s.vault.Put(ctx, evidence.Item{
				Source:  "reports",
				Type:    models.EvidenceTypeReport,
				Payload: report.Data,
			})
			return err
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			if s.queue != nil {
				if _, err := s.queue.CleanupStaleJobs(ctx, 30*time.Minute); err != nil {
					s.logger.Warn("stale job cleanup failed", "error", err)
				}
			}
			pruned, err := s.schedulerStore.PruneExecutions(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			s.logger.Info("pruned job executions", "count", pruned, "older_than", olderThan)
			return nil
		},
	}

	if s.graph != nil {
		handlers.SyncAccessFunc = func(ctx context.Context) error {
			data, err := s.registry.CollectAll(ctx)
			if err != nil {
				return fmt.Errorf("collecting identity data: %w", err)
			}
			result, err := s.graph.SyncContext(ctx, data)
			if err != nil {
				return err
			}
			s.logger.Info("access graph synced",
				"identities", result.Identities,
				"employees", result.Employees,
				"resources", result.Resources,
				"grants", result.Grants)
			return nil
		}
	}

	handlers.Register(s.scheduler)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/controls", func(r chi.Router) {
			r.Get("/", s.listControls)
			r.Post("/reload", s.reloadControls)
			r.Get("/{controlID}", s.getControl)
			r.Get("/{controlID}/status", s.getControlStatus)
		})

		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/run", s.runEvaluations)
			r.Get("/", s.listEvaluations)
			if s.queue != nil {
				r.Get("/jobs/{jobID}", s.getEvaluationJob)
			}
			r.Get("/{evaluationID}", s.getEvaluation)
		})

		r.Route("/findings", func(r chi.Router) {
			r.Get("/", s.listFindings)
			r.Get("/{findingID}", s.getFinding)
			r.Patch("/{findingID}/status", s.updateFindingStatus)
		})

		r.Route("/evidence", func(r chi.Router) {
			r.Get("/", s.listEvidence)
			r.Get("/summary", s.getEvidenceSummary)
			r.Get("/{evidenceID}", s.getEvidence)
		})

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/summary", s.getDashboardSummary)
			r.Get("/by-category", s.getDashboardByCategory)
		})

		r.Get("/connectors", s.listConnectors)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.listAccounts)
			r.Post("/", s.createAccount)
			r.Get("/{accountID}", s.getAccount)
			r.Delete("/{accountID}", s.deleteAccount)
			r.Post("/{accountID}/test", s.testAccount)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/types", s.getReportTypes)
			r.Post("/generate", s.generateReport)
			r.Get("/stream", s.streamCSVReport)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listScheduledJobs)
			r.Post("/", s.createScheduledJob)
			r.Get("/{jobID}", s.getScheduledJob)
			r.Put("/{jobID}", s.updateScheduledJob)
			r.Delete("/{jobID}", s.deleteScheduledJob)
			r.Post("/{jobID}/run", s.runScheduledJobNow)
			r.Get("/{jobID}/executions", s.getJobExecutions)
		})

		if s.graph != nil {
			r.Route("/access", func(r chi.Router) {
				r.Get("/stats", s.getAccessStats)
				r.Get("/privileged", s.getPrivilegedIdentities)
				r.Get("/orphaned", s.getOrphanedIdentities)
				r.Get("/correlated", s.getCorrelatedIdentities)
				r.Post("/sync", s.syncAccessGraph)
			})
		}
	})
}

// dispatchEvaluation enqueues the run when a queue is configured and runs
// it inline otherwise.
func (s *Server) dispatchEvaluation(ctx context.Context, controlIDs []string, triggeredBy string) error {
	if s.queue != nil {
		return s.queue.EnqueueEvaluationJob(ctx, &queue.Job{
			ControlIDs:  controlIDs,
			TriggeredBy: triggeredBy,
			Priority:    5,
		})
	}
	_, err := s.runEvaluation(ctx, controlIDs)
	return err
}

// runEvaluation collects a fresh data context and runs the batch inline.
func (s *Server) runEvaluation(ctx context.Context, controlIDs []string) (*models.BatchSummary, error) {
	data, err := s.registry.CollectAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting evidence: %w", err)
	}

	var summary *models.BatchSummary
	if len(controlIDs) == 0 {
		summary, err = s.engine.RunAll(ctx, data)
	} else {
		summary, err = s.engine.RunControls(ctx, controlIDs, data)
	}
	if err != nil {
		return nil, err
	}

	s.notifyResults(ctx, summary)
	return summary, nil
}

// notifyResults sends the batch digest plus per-control alerts for newly
// opened findings. Failures are logged, never propagated.
func (s *Server) notifyResults(ctx context.Context, summary *models.BatchSummary) {
	if s.notifier == nil {
		return
	}

	if err := s.notifier.NotifyBatch(ctx, summary); err != nil {
		s.logger.Warn("batch notification failed", "error", err)
	}

	if summary.FindingsOpened == 0 {
		return
	}

	snap := s.catalog.Snapshot()
	for _, res := range summary.Results {
		if res.Status != models.EvalStatusFailed {
			continue
		}
		entry, ok := snap.Get(res.ControlID)
		if !ok {
			continue
		}

		opened, err := s.tracker.OpenedSince(ctx, res.ControlID, summary.StartedAt)
		if err != nil {
			s.logger.Warn("listing new findings failed", "control_id", res.ControlID, "error", err)
			continue
		}
		if len(opened) == 0 {
			continue
		}

		if err := s.notifier.NotifyFindings(ctx, &entry.Control, opened); err != nil {
			s.logger.Warn("finding notification failed", "control_id", res.ControlID, "error", err)
		}
	}
}

func (s *Server) evaluationCycle(ctx context.Context, controlIDs []string) error {
	return s.dispatchEvaluation(ctx, controlIDs, "frequency")
}

func (s *Server) Run(ctx context.Context) error {
	snap := s.catalog.Snapshot()
	if err := s.scheduler.ScheduleFrequencies(snap.List(catalog.Filter{}), s.evaluationCycle); err != nil {
		s.logger.Error("failed to schedule evaluation cycles", "error", err)
	}

	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			s.logger.Error("failed to start queue worker", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.worker != nil {
			s.worker.Stop()
		}
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Close releases the backing connections. Run's shutdown path does not
// call it; the mains do, so tests can construct a Server without tearing
// down shared fixtures.
func (s *Server) Close() error {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.graph != nil {
		_ = s.graph.Close(context.Background())
	}
	return s.store.Close()
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "Evaluation store not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
