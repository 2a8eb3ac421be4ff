package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"tenure/pkg/audit"
	"tenure/pkg/engine"
	"tenure/pkg/hitl"
	"tenure/pkg/httpx"
	"tenure/pkg/metrics"
	"tenure/pkg/models"
	"tenure/pkg/policy"
	"tenure/pkg/ratelimit"
	"tenure/pkg/registry"
	"tenure/pkg/resources"
	"tenure/pkg/statebus"
	"tenure/pkg/store"
	"tenure/pkg/stream"
	"tenure/pkg/telemetry"
	"tenure/pkg/tools"
	"tenure/pkg/workflow"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the capability engine, workflow executor and audit trail
// behind the HTTP surface.
type Server struct {
	Registry            *registry.Registry
	Engine              *engine.Engine
	Executor            *workflow.Executor
	Workflows           *workflow.Library
	Tokens              hitl.Store
	Trail               audit.Trail
	Resources           *resources.Catalog
	Events              *stream.Hub
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	AlertWebhookURL     string
	HTTPClient          *http.Client
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory stores: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	tokenTTL := envDurationSec("HITL_TOKEN_TTL_SEC", 900)
	var tokens hitl.Store
	if redisClient != nil {
		tokens = hitl.NewRedisStore(redisClient, tokenTTL)
	} else {
		tokens = hitl.NewMemoryStore(tokenTTL)
	}

	var trail audit.Trail
	switch backend := env("AUDIT_BACKEND", "postgres"); backend {
	case "postgres":
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, audit.Schema); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		trail = &audit.Writer{DB: pool}
	case "memory":
		trail = audit.NewMemory()
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", backend)
	}

	events := stream.NewHub()
	reg := metrics.NewRegistry()
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second})

	var bus statebus.Bus
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		bus, err = statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "tenure.audit"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
	}

	alertURL := env("AUDIT_ALERT_WEBHOOK_URL", "")
	trail = audit.WithFallback(trail, func(entry models.AuditEntry, err error) {
		events.Publish(stream.AuditFailureEvent(entry, err))
		if alertURL != "" {
			go postAuditAlert(httpClient, alertURL, entry, err)
		}
	})
	trail = &mirroringTrail{next: trail, events: events, bus: bus, metrics: reg}

	props := tools.MockPropertyProvider{}
	ledger := tools.MockLedgerProvider{}
	toolset := tools.Toolset{Properties: props, Ledger: ledger}
	catalog := resources.NewCatalog(props, ledger, cache)
	capRegistry, err := registry.Build(append(toolset.Registrations(), catalog.Registrations()...))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	defs := workflow.Builtins()
	if path := env("WORKFLOWS_FILE", ""); path != "" {
		extra, err := workflow.LoadFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, extra...)
	}
	library, err := workflow.NewLibrary(capRegistry, defs)
	if err != nil {
		return fmt.Errorf("workflows: %w", err)
	}

	gateway := policy.NewGateway(tokens)
	eng := engine.New(capRegistry, gateway, trail)
	eng.CallTimeout = envDurationMS("CAPABILITY_TIMEOUT_MS", 30000)
	exec := workflow.NewExecutor(capRegistry, gateway, trail)
	exec.NodeTimeout = envDurationMS("NODE_TIMEOUT_MS", 30000)

	s := &Server{
		Registry:            capRegistry,
		Engine:              eng,
		Executor:            exec,
		Workflows:           library,
		Tokens:              tokens,
		Trail:               trail,
		Resources:           catalog,
		Events:              events,
		Metrics:             reg,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		AlertWebhookURL:     alertURL,
		HTTPClient:          httpClient,
	}
	if s.RateLimitEnabled {
		rlWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rlWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rlWindow)
		}
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// Routes builds the HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	api := chi.NewRouter()
	api.Use(s.rateLimitMiddleware)
	api.Get("/capabilities", s.listCapabilities)
	api.Post("/capabilities/{name}/execute", s.executeCapability)
	api.Post("/workflows/{name}/execute", s.executeWorkflow)
	api.Get("/resources", s.readResource)
	api.Post("/hitl/tokens", s.issueToken)
	api.Get("/audit/{correlation_id}", s.getAudit)
	api.Get("/events", s.streamEvents)
	r.Mount("/v1", api)
	return r
}

// mirroringTrail fans each recorded entry out to the event hub, the metrics
// registry and the optional Kafka bus after the primary write.
type mirroringTrail struct {
	next    audit.Trail
	events  *stream.Hub
	bus     statebus.Bus
	metrics *metrics.Registry
}

func (t *mirroringTrail) Record(ctx context.Context, entry models.AuditEntry) error {
	err := t.next.Record(ctx, entry)
	if t.metrics != nil {
		t.metrics.IncDecision(entry.Decision)
		t.metrics.IncErrorCode(entry.ErrorCode)
	}
	if t.events != nil {
		t.events.Publish(stream.DecisionEvent(entry))
	}
	if t.bus != nil {
		go func() {
			busCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := t.bus.Publish(busCtx, entry); err != nil {
				log.Printf("audit bus publish failed correlation_id=%s: %v", entry.CorrelationID, err)
			}
		}()
	}
	return err
}

func (t *mirroringTrail) ListByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditEntry, error) {
	return t.next.ListByCorrelationID(ctx, correlationID)
}

func postAuditAlert(client *http.Client, url string, entry models.AuditEntry, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	body := []byte(fmt.Sprintf(`{"correlation_id":%q,"capability":%q,"workflow":%q,"error":%q}`,
		entry.CorrelationID, entry.Capability, entry.Workflow, cause.Error()))
	if _, _, err := httpx.RequestJSON(ctx, client, http.MethodPost, url, body, nil, 1, 100*time.Millisecond); err != nil {
		log.Printf("audit alert webhook failed: %v", err)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envDurationMS(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
