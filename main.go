// Command backend is the main entrypoint for the crosspost API and dispatcher.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the scheduled-post dispatcher, the rate window
//     pruner, and the OAuth token refresher for the social destination.
//   - Exposes an HTTP server with the post API plus /healthz, /readyz,
//     /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/joho/godotenv"
	"github.com/onnwee/crosspost/backend/config"
	"github.com/onnwee/crosspost/backend/db"
	"github.com/onnwee/crosspost/backend/oauth"
	"github.com/onnwee/crosspost/backend/platform"
	"github.com/onnwee/crosspost/backend/post"
	"github.com/onnwee/crosspost/backend/server"
	"github.com/onnwee/crosspost/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("crosspost", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for deployments without the
	//    schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed successfully",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable per-destination rate limits. The webhook destination is bounded
	// per minute; the social API carries hourly and daily ceilings.
	limiter := post.NewLimiter(database, map[string][]post.Window{
		"webhook:post": {
			{Every: time.Minute, Ceiling: 30},
		},
		"social:publish": {
			{Every: time.Hour, Ceiling: cfg.SocialHourlyLimit},
			{Every: 24 * time.Hour, Ceiling: cfg.SocialDailyLimit},
		},
		"social:upload": {
			{Every: time.Hour, Ceiling: cfg.SocialHourlyLimit * 4},
		},
	})

	// Destination adapters
	adapters := map[string]post.Adapter{}
	if cfg.WebhookURL != "" {
		adapters[platform.WebhookDestination] = platform.NewWebhookAdapter(cfg.WebhookURL, limiter)
	} else {
		slog.Info("webhook destination disabled (WEBHOOK_URL not set)")
	}
	var social *platform.SocialAdapter
	if err := cfg.ValidateSocialReady(); err == nil {
		social = platform.NewSocialAdapter(cfg, &db.TokenStoreAdapter{DB: database}, limiter)
		adapters[platform.SocialDestination] = social

		// Refresh the social token ahead of expiry so dispatch never stalls
		// on a dead credential.
		oc := &oauth2.Config{
			ClientID:     cfg.SocialClientID,
			ClientSecret: cfg.SocialClientSecret,
			RedirectURL:  cfg.SocialRedirectURI,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.SocialTokenURL},
		}
		oauth.StartRefresher(ctx, database, "social", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
		})
	} else {
		slog.Info("social destination disabled", slog.Any("reason", err))
	}

	// Dispatcher
	scheduler := &post.Scheduler{
		Store:    &post.Store{DB: database},
		Adapters: adapters,
		Policy: post.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
			Jitter:      0.2,
		},
		PollInterval: cfg.PollInterval,
	}
	go scheduler.Start(ctx)

	// Rate window ledger pruning
	go post.StartPruneJob(ctx, database)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (post API, health, status, metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, cfg, social, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
