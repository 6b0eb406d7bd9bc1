package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/sync/errgroup"

	"github.com/steadycare/harbor/pkg/analytics"
	"github.com/steadycare/harbor/pkg/audit"
	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/config"
	"github.com/steadycare/harbor/pkg/escalation"
	"github.com/steadycare/harbor/pkg/responder"
	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/router"
	"github.com/steadycare/harbor/pkg/session"
	"github.com/steadycare/harbor/pkg/store"
)

const Version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		port := ""
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runServer(port)
	case "triage":
		if len(os.Args) < 3 {
			fmt.Println("Usage: harbor triage <text>")
			os.Exit(1)
		}
		runCLITriage(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("Harbor v%s\n", Version)
		fmt.Println("Conversational support triage gateway")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Harbor v%s - Conversational support triage gateway\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  harbor serve [port]     Start the HTTP gateway")
	fmt.Println("  harbor triage <text>    Run risk classification on text and print the assessment")
	fmt.Println("  harbor version          Show version")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  HARBOR_LISTEN_ADDR       Listen address (default :8080)")
	fmt.Println("  HARBOR_POSTGRES_DSN      PostgreSQL DSN (empty = in-memory store)")
	fmt.Println("  HARBOR_REDIS_ADDR        Redis address for sessions (empty = in-memory)")
	fmt.Println("  HARBOR_CLASSIFIER_URL    External risk-scoring model endpoint")
	fmt.Println("  HARBOR_GENERATOR_URL     Text-generation backend endpoint")
	fmt.Println("  HARBOR_SUBJECT_SALT      Salt for subject identity hashing (required in production)")
	fmt.Println("  HARBOR_CONFIG_FILE       Optional YAML config overridden by env vars")
}

// buildClassifier assembles the layered risk classifier. Every layer is
// optional except the rule fallback; missing layers are logged and the
// stack degrades gracefully.
func buildClassifier(cfg *config.Config) *risk.SafeClassifier {
	var opts []risk.SafeOption

	if cfg.ClassifierURL != "" {
		opts = append(opts, risk.WithModel(risk.NewModelClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey)))
		log.Println("✓ Model classification enabled (external scoring service)")
	} else {
		log.Println("○ Model classification disabled (no endpoint configured)")
	}

	if cfg.EnableLocalModel {
		local := risk.NewLocalClassifierWithFallback(risk.DefaultLocalModelConfig(cfg.LocalModelPath))
		if local.IsReady() {
			opts = append(opts, risk.WithLocal(local))
			log.Println("✓ Local classification enabled (hugot/ONNX)")
		} else {
			log.Println("○ Local classification disabled (no ONNX model found)")
		}
	} else {
		log.Println("○ Local classification disabled")
	}

	if cfg.EnableSemantics {
		semantic, err := risk.NewSemanticDetector(cfg.OllamaURL)
		if err != nil {
			log.Printf("○ Semantic detection disabled (init failed: %v)", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if err := semantic.LoadPhrases(ctx); err != nil {
				log.Printf("○ Semantic detection disabled (phrase load failed: %v)", err)
			} else {
				opts = append(opts, risk.WithSemantic(semantic))
				log.Println("✓ Semantic detection enabled (chromem-go + Ollama embeddings)")
			}
			cancel()
		}
	} else {
		log.Println("○ Semantic detection disabled")
	}

	return risk.NewSafeClassifier(opts...)
}

// app bundles the wired components behind the HTTP surface.
type app struct {
	cfg        *config.Config
	router     *router.Router
	assigner   *cases.Assigner
	sweeper    *cases.Sweeper
	alerts     *cases.AlertBus
	pool       *responder.Pool
	gate       *analytics.Gate
	repo       store.Store
	sessions   session.Store
	dispatcher *session.Dispatcher
	trail      audit.Logger
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	var repo store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		repo = pg
		log.Println("✓ Case store: postgres")
	} else {
		repo = store.NewMemoryStore()
		log.Println("○ Case store: in-memory (set HARBOR_POSTGRES_DSN for persistence)")
	}

	var sessions session.Store
	if cfg.RedisAddr != "" {
		rs, err := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionDefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("redis session store: %w", err)
		}
		sessions = rs
		log.Println("✓ Session store: redis")
	} else {
		sessions = session.NewMemoryStore(session.WithMaxAge(cfg.SessionDefaultTTL))
		log.Println("○ Session store: in-memory (set HARBOR_REDIS_ADDR for persistence)")
	}

	var trail audit.Logger
	if cfg.AuditLogPath != "" {
		fl, err := audit.NewFileLogger(cfg.AuditLogPath, cfg.AlertBufferSize)
		if err != nil {
			return nil, fmt.Errorf("audit trail: %w", err)
		}
		trail = fl
		log.Println("✓ Audit trail enabled")
	} else {
		trail = audit.NopLogger{}
		log.Println("○ Audit trail disabled")
	}

	pool := responder.NewPool()
	alerts := cases.NewAlertBus(cfg.AlertBufferSize)
	assigner := cases.NewAssigner(repo, pool, alerts)
	sweeper := cases.NewSweeper(repo, assigner, alerts,
		cases.WithSweepInterval(cfg.SweepInterval()),
		cases.WithAckGrace(cfg.AckGrace()))
	controller := escalation.NewController(repo, repo, assigner,
		escalation.WithWindow(cfg.EscalationWindowCount, cfg.EscalationWindow()))
	gate := analytics.NewGate(store.NewAggregator(repo),
		analytics.WithGroupSizeMinimum(cfg.GroupSizeMinimum),
		analytics.WithMaxSpan(cfg.MaxQuerySpan()))

	dispatcher := session.NewDispatcher(cfg.MaxWorkers)

	routerOpts := []router.Option{
		router.WithAudit(trail),
		router.WithSubjectSalt(cfg.SubjectHashSalt),
	}
	if cfg.GeneratorURL != "" {
		routerOpts = append(routerOpts, router.WithGenerator(router.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorAPIKey)))
		log.Println("✓ Response generation enabled (external backend)")
	} else {
		log.Println("○ Response generation disabled (deterministic copy only)")
	}

	rt := router.New(buildClassifier(cfg), controller, repo, assigner, sessions, dispatcher, routerOpts...)

	return &app{
		cfg:        cfg,
		router:     rt,
		assigner:   assigner,
		sweeper:    sweeper,
		alerts:     alerts,
		pool:       pool,
		gate:       gate,
		repo:       repo,
		sessions:   sessions,
		dispatcher: dispatcher,
		trail:      trail,
	}, nil
}

func runServer(port string) {
	cfg := config.NewDefaultConfig()
	if port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.MustValidate()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf("[STARTUP] FATAL: %v", err)
	}
	defer a.repo.Close()
	defer a.sessions.Close()
	defer a.trail.Close()

	srv := fiber.New(fiber.Config{AppName: "Harbor"})
	a.registerRoutes(srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		return a.consumeAlerts(gctx)
	})
	g.Go(func() error {
		log.Printf("Harbor gateway listening on %s", cfg.ListenAddr)
		return srv.Listen(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway stopped: %v", err)
	}
	log.Println("gateway stopped")
}

// consumeAlerts drains the lifecycle alert bus into the log and the
// audit trail.
func (a *app) consumeAlerts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case al := <-a.alerts.Events():
			log.Printf("[ALERT] %s case=%s severity=%s responder=%s", al.Kind, al.CaseID, al.Severity, al.ResponderID)
			a.trail.Record(audit.Event{
				Kind:   audit.KindAlert,
				CaseID: al.CaseID,
				Details: map[string]any{
					"alert":    string(al.Kind),
					"severity": string(al.Severity),
					"flag":     string(al.Flag),
				},
			})
		}
	}
}

func (a *app) registerRoutes(srv *fiber.App) {
	srv.Get("/health", a.handleHealth)
	srv.Get("/stats", a.handleStats)

	srv.Post("/messages", a.handleMessage)

	srv.Get("/cases", a.handleListCases)
	srv.Get("/cases/:id", a.handleGetCase)
	srv.Post("/cases/:id/ack", a.handleAckCase)
	srv.Post("/cases/:id/status", a.handleCaseStatus)
	srv.Post("/cases/:id/notes", a.handleCaseNote)

	srv.Post("/responders", a.handleUpsertResponder)
	srv.Post("/responders/:id/availability", a.handleResponderAvailability)
	srv.Get("/responders", a.handleListResponders)

	srv.Post("/analytics/query", a.handleAnalyticsQuery)
}

func (a *app) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "version": Version})
}

func (a *app) handleStats(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"responders": a.pool.Stats(),
		"in_flight":  a.dispatcher.InFlight(),
		"alerts":     fiber.Map{"dropped": a.alerts.Dropped()},
	})
}

func (a *app) handleMessage(c fiber.Ctx) error {
	var msg router.Message
	if err := c.Bind().Body(&msg); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	resp, err := a.router.Route(c.Context(), msg)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(resp)
}

func (a *app) handleListCases(c fiber.Ctx) error {
	f := cases.Filter{
		Status:      cases.Status(c.Query("status")),
		Severity:    risk.Level(c.Query("severity")),
		ResponderID: c.Query("responder"),
		SessionID:   c.Query("session"),
	}
	list, err := a.repo.ListCases(c.Context(), f)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"cases": list, "count": len(list)})
}

func (a *app) handleGetCase(c fiber.Ctx) error {
	cs, err := a.repo.GetCase(c.Context(), c.Params("id"))
	if err != nil {
		return caseError(c, err)
	}
	return c.JSON(cs)
}

type caseActionRequest struct {
	ResponderID string `json:"responder_id"`
	Status      string `json:"status,omitempty"`
	Note        string `json:"note,omitempty"`
}

func (a *app) handleAckCase(c fiber.Ctx) error {
	var req caseActionRequest
	if err := c.Bind().Body(&req); err != nil || req.ResponderID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "responder_id is required"})
	}
	if err := a.assigner.Acknowledge(c.Context(), c.Params("id"), req.ResponderID); err != nil {
		return caseError(c, err)
	}
	return c.JSON(fiber.Map{"status": "acknowledged"})
}

// handleCaseStatus drives the explicit transitions a responder can
// request: resolve (with outcome notes) and close.
func (a *app) handleCaseStatus(c fiber.Ctx) error {
	var req caseActionRequest
	if err := c.Bind().Body(&req); err != nil || req.ResponderID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "responder_id is required"})
	}

	var err error
	switch cases.Status(req.Status) {
	case cases.StatusResolved:
		err = a.assigner.Resolve(c.Context(), c.Params("id"), req.ResponderID, req.Note)
	case cases.StatusClosed:
		err = a.assigner.Close(c.Context(), c.Params("id"), req.ResponderID)
	default:
		return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("unsupported status %q", req.Status)})
	}
	if err != nil {
		return caseError(c, err)
	}
	return c.JSON(fiber.Map{"status": req.Status})
}

func (a *app) handleCaseNote(c fiber.Ctx) error {
	var req caseActionRequest
	if err := c.Bind().Body(&req); err != nil || req.ResponderID == "" || req.Note == "" {
		return c.Status(400).JSON(fiber.Map{"error": "responder_id and note are required"})
	}
	if err := a.assigner.AddNote(c.Context(), c.Params("id"), req.ResponderID, req.Note); err != nil {
		return caseError(c, err)
	}
	return c.JSON(fiber.Map{"status": "noted"})
}

func (a *app) handleUpsertResponder(c fiber.Ctx) error {
	var r responder.Responder
	if err := c.Bind().Body(&r); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := a.pool.Upsert(r); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "registered"})
}

func (a *app) handleResponderAvailability(c fiber.Ctx) error {
	var req struct {
		Available bool `json:"available"`
	}
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := a.pool.SetAvailable(c.Params("id"), req.Available); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "updated"})
}

func (a *app) handleListResponders(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"responders": a.pool.Snapshot()})
}

type analyticsRequest struct {
	QueryID string    `json:"query_id"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

func (a *app) handleAnalyticsQuery(c fiber.Ctx) error {
	var req analyticsRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	res, err := a.gate.Query(c.Context(), analytics.QueryID(req.QueryID), analytics.DateRange{From: req.From, To: req.To})
	if err != nil {
		var pv *analytics.PrivacyViolationError
		if errors.As(err, &pv) {
			return c.Status(403).JSON(fiber.Map{
				"error":   pv.Error(),
				"allowed": analytics.AllowedQueries(),
			})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	a.trail.Record(audit.Event{
		Kind: audit.KindQuery,
		Details: map[string]any{
			"query_id":   req.QueryID,
			"suppressed": res.RecordsSuppressed,
		},
	})
	return c.JSON(res)
}

// caseError maps domain errors to HTTP status codes.
func caseError(c fiber.Ctx, err error) error {
	var ite *cases.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		return c.Status(409).JSON(fiber.Map{"error": ite.Error()})
	case errors.Is(err, cases.ErrNotAssignee):
		return c.Status(403).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
}

// runCLITriage classifies one text from the command line and prints the
// assessment. Uses the same layered stack the server runs.
func runCLITriage(text string) {
	cfg := config.NewDefaultConfig()
	classifier := buildClassifier(cfg)

	assessment, err := classifier.Classify(context.Background(), "cli", text, nil)
	if err != nil {
		log.Fatalf("classification failed: %v", err)
	}

	out, _ := json.MarshalIndent(assessment, "", "  ")
	fmt.Println(string(out))
}
