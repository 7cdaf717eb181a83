// Command server starts the After Dark live API: stream status, presence,
// chat, and the stream-key registry behind a single HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"afterdark-live/internal/api"
	"afterdark-live/internal/auth"
	"afterdark-live/internal/chat"
	"afterdark-live/internal/ingest"
	"afterdark-live/internal/keyvalue"
	"afterdark-live/internal/observability/logging"
	"afterdark-live/internal/observability/metrics"
	"afterdark-live/internal/presence"
	"afterdark-live/internal/server"
	"afterdark-live/internal/serverutil"
	"afterdark-live/internal/stream"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	dataDir := flag.String("data-dir", "", "directory for JSON snapshots (stream keys, operators)")
	channelID := flag.String("channel", "", "channel identifier served by this instance")
	artifactDir := flag.String("artifact-dir", "", "directory the media packager writes manifests to")
	publicBaseURL := flag.String("public-base-url", "", "public base URL for reconciled manifests")
	playbackBaseURL := flag.String("playback-base-url", "", "base URL used to rewrite rtmp:// sources into manifest URLs")
	streamTitle := flag.String("stream-title", "", "default stream title")
	streamDescription := flag.String("stream-description", "", "default stream description")
	freshnessWindow := flag.Duration("freshness-window", 0, "maximum manifest age treated as live")
	reconcileInterval := flag.Duration("reconcile-interval", 0, "background reconciliation interval")
	presenceTimeout := flag.Duration("presence-timeout", 0, "presence entry timeout")
	presenceSweep := flag.Duration("presence-sweep-interval", 0, "presence sweep interval")
	presenceDriver := flag.String("presence-driver", "", "presence backing store (memory or redis)")
	presenceRedisAddr := flag.String("presence-redis-addr", "", "Redis address for the presence store")
	presenceRedisPassword := flag.String("presence-redis-password", "", "Redis password for the presence store")
	presenceRedisNamespace := flag.String("presence-redis-namespace", "", "Redis key namespace for the presence store")
	chatQueueDriver := flag.String("chat-queue-driver", "", "chat queue driver (memory or redis)")
	chatRedisAddr := flag.String("chat-queue-redis-addr", "", "Redis address for chat queue transport")
	chatRedisPassword := flag.String("chat-queue-redis-password", "", "Redis password for chat queue")
	chatRedisStream := flag.String("chat-queue-redis-stream", "", "Redis stream key for chat queue events")
	chatRedisGroup := flag.String("chat-queue-redis-group", "", "Redis consumer group for chat queue")
	chatRetention := flag.Int("chat-retention", 0, "total chat messages retained")
	chatServeLimit := flag.Int("chat-serve-limit", 0, "maximum chat messages served per history request")
	sessionDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	ingestServerURL := flag.String("ingest-server-url", "", "RTMP endpoint publishers point their encoder at")
	ingestHLSURL := flag.String("ingest-hls-url", "", "HLS base URL advertised to the admin page")
	ingestPort := flag.Int("ingest-port", 0, "RTMP ingest port advertised to the admin page")
	adminEmail := flag.String("admin-email", "", "bootstrap admin email")
	adminName := flag.String("admin-name", "", "bootstrap admin display name")
	adminPassword := flag.String("admin-password", "", "bootstrap admin password")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("AFTERDARK_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("AFTERDARK_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("AFTERDARK_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("AFTERDARK_ADDR"))
	channel := firstNonEmpty(*channelID, os.Getenv("AFTERDARK_CHANNEL"), stream.DefaultChannelID)
	dataPath := firstNonEmpty(*dataDir, os.Getenv("AFTERDARK_DATA_DIR"), "data")

	kv, err := configurePresenceStore(
		firstNonEmpty(*presenceDriver, os.Getenv("AFTERDARK_PRESENCE_DRIVER")),
		keyvalue.RedisConfig{
			Addr:      firstNonEmpty(*presenceRedisAddr, os.Getenv("AFTERDARK_PRESENCE_REDIS_ADDR")),
			Password:  firstNonEmpty(*presenceRedisPassword, os.Getenv("AFTERDARK_PRESENCE_REDIS_PASSWORD")),
			Namespace: firstNonEmpty(*presenceRedisNamespace, os.Getenv("AFTERDARK_PRESENCE_REDIS_NAMESPACE")),
		},
	)
	if err != nil {
		logger.Error("failed to configure presence store", "error", err)
		os.Exit(1)
	}
	presenceStore := presence.NewStore(kv,
		presence.WithTimeout(resolveDuration(*presenceTimeout, "AFTERDARK_PRESENCE_TIMEOUT", 0)),
		presence.WithSweepInterval(resolveDuration(*presenceSweep, "AFTERDARK_PRESENCE_SWEEP_INTERVAL", 0)),
		presence.WithLogger(logging.WithComponent(logger, "presence")),
	)

	register := stream.NewRegister(stream.RegisterConfig{
		DefaultTitle:       firstNonEmpty(*streamTitle, os.Getenv("AFTERDARK_STREAM_TITLE")),
		DefaultDescription: firstNonEmpty(*streamDescription, os.Getenv("AFTERDARK_STREAM_DESCRIPTION")),
		PlaybackBaseURL:    firstNonEmpty(*playbackBaseURL, os.Getenv("AFTERDARK_PLAYBACK_BASE_URL"), "http://localhost:8000/live"),
	})
	reconciler := stream.NewReconciler(stream.ReconcilerConfig{
		ChannelID:       channel,
		ArtifactDir:     firstNonEmpty(*artifactDir, os.Getenv("AFTERDARK_ARTIFACT_DIR"), "data/hls"),
		PublicBaseURL:   firstNonEmpty(*publicBaseURL, os.Getenv("AFTERDARK_PUBLIC_BASE_URL"), "http://localhost:8000/live"),
		FreshnessWindow: resolveDuration(*freshnessWindow, "AFTERDARK_FRESHNESS_WINDOW", 0),
		Interval:        resolveDuration(*reconcileInterval, "AFTERDARK_RECONCILE_INTERVAL", 0),
	}, register, stream.WithReconcilerLogger(logging.WithComponent(logger, "reconciler")))

	directory, err := auth.NewDirectory(
		auth.WithSnapshotPath(filepath.Join(dataPath, "operators.json")),
	)
	if err != nil {
		logger.Error("failed to open operator directory", "error", err)
		os.Exit(1)
	}
	bootstrapEmail := firstNonEmpty(*adminEmail, os.Getenv("AFTERDARK_ADMIN_EMAIL"))
	bootstrapPassword := firstNonEmpty(*adminPassword, os.Getenv("AFTERDARK_ADMIN_PASSWORD"))
	if bootstrapEmail != "" && bootstrapPassword != "" {
		name := firstNonEmpty(*adminName, os.Getenv("AFTERDARK_ADMIN_NAME"), "Admin")
		if _, err := directory.BootstrapAdmin(bootstrapEmail, name, bootstrapPassword); err != nil {
			logger.Error("failed to bootstrap admin", "error", err)
			os.Exit(1)
		}
	}

	registry, err := ingest.NewRegistry(ingest.Config{
		ServerURL:  firstNonEmpty(*ingestServerURL, os.Getenv("AFTERDARK_INGEST_SERVER_URL"), "rtmp://localhost:1935/live"),
		HLSBaseURL: firstNonEmpty(*ingestHLSURL, os.Getenv("AFTERDARK_INGEST_HLS_URL"), "http://localhost:8000/live"),
		Port:       resolveInt(*ingestPort, "AFTERDARK_INGEST_PORT"),
	},
		ingest.WithSnapshotPath(filepath.Join(dataPath, "stream_keys.json")),
		ingest.WithAuthorizer(func(email string) bool {
			return directory.HasPermission(email, auth.PermManageStream)
		}),
	)
	if err != nil {
		logger.Error("failed to open stream key registry", "error", err)
		os.Exit(1)
	}

	queue, err := configureChatQueue(
		firstNonEmpty(*chatQueueDriver, os.Getenv("AFTERDARK_CHAT_QUEUE_DRIVER")),
		chat.RedisQueueConfig{
			Addr:     firstNonEmpty(*chatRedisAddr, os.Getenv("AFTERDARK_CHAT_QUEUE_REDIS_ADDR")),
			Password: firstNonEmpty(*chatRedisPassword, os.Getenv("AFTERDARK_CHAT_QUEUE_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*chatRedisStream, os.Getenv("AFTERDARK_CHAT_QUEUE_REDIS_STREAM")),
			Group:    firstNonEmpty(*chatRedisGroup, os.Getenv("AFTERDARK_CHAT_QUEUE_REDIS_GROUP")),
			Logger:   logging.WithComponent(logger, "chat-queue"),
		},
	)
	if err != nil {
		logger.Error("failed to configure chat queue", "error", err)
		os.Exit(1)
	}
	relay := chat.NewRelay(
		chat.WithRetention(resolveInt(*chatRetention, "AFTERDARK_CHAT_RETENTION")),
		chat.WithServeLimit(resolveInt(*chatServeLimit, "AFTERDARK_CHAT_SERVE_LIMIT")),
		chat.WithQueue(queue),
		chat.WithRelayLogger(logging.WithComponent(logger, "chat")),
	)

	sessionStore, sessionCloser, err := configureSessionStore(
		firstNonEmpty(*sessionDriver, os.Getenv("AFTERDARK_SESSION_STORE")),
		firstNonEmpty(*sessionDSN, os.Getenv("AFTERDARK_SESSION_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		serverMode,
	)
	if err != nil {
		logger.Error("failed to configure session store", "error", err)
		os.Exit(1)
	}
	sessions := auth.NewSessionManager(auth.DefaultSessionTTL, auth.WithSessionStore(sessionStore))

	handler := api.NewHandler(api.Handler{
		Presence:   presenceStore,
		Streams:    register,
		Reconciler: reconciler,
		Keys:       registry,
		Relay:      relay,
		Directory:  directory,
		Sessions:   sessions,
		Metrics:    recorder,
		ChannelID:  channel,
	})

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("AFTERDARK_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("AFTERDARK_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "AFTERDARK_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "AFTERDARK_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "AFTERDARK_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "AFTERDARK_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("AFTERDARK_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("AFTERDARK_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "AFTERDARK_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("AFTERDARK_CORS_ORIGINS"))),
		},
		Security: server.SecurityConfig{
			MediaOrigins: splitAndTrim(os.Getenv("AFTERDARK_MEDIA_ORIGINS")),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCancel(presenceStore.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCancel(reconciler.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCancel(relay.Mirror(groupCtx))
	})
	group.Go(func() error {
		return ignoreCancel(runSessionPurge(groupCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute))
	})
	group.Go(func() error {
		logger.Info("After Dark live API listening", "addr", listenAddr, "mode", serverMode, "channel", channel)
		return serverutil.Run(groupCtx, serverutil.Config{Server: srv})
	})

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverutil.DefaultShutdownTimeout)
	defer cancel()
	if sessionCloser != nil {
		if closeErr := sessionCloser(shutdownCtx); closeErr != nil {
			logger.Warn("failed to close session store", "error", closeErr)
		}
	}
	if closer, ok := kv.(interface{ Close() error }); ok {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Warn("failed to close presence store", "error", closeErr)
		}
	}

	if err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func configurePresenceStore(driver string, cfg keyvalue.RedisConfig) (keyvalue.Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the presence store")
		}
		return keyvalue.NewRedisStore(cfg)
	case "", "memory":
		return keyvalue.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported presence driver %q", driver)
	}
}

func configureChatQueue(driver string, cfg chat.RedisQueueConfig) (chat.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" && len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("redis addr is required for chat queue")
		}
		return chat.NewRedisQueue(cfg)
	case "", "memory":
		return chat.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported chat queue driver %q", driver)
	}
}

func configureSessionStore(driver, dsn, mode string) (auth.SessionStore, func(context.Context) error, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		if mode == "production" {
			return nil, nil, fmt.Errorf("production mode requires the postgres session store")
		}
		return auth.NewMemorySessionStore(), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres session store selected without DSN")
		}
		store, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func runSessionPurge(ctx context.Context, logger *slog.Logger, sessions *auth.SessionManager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sessions.PurgeExpired(); err != nil {
				logger.Warn("session purge failed", "error", err)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		if mode == "production" {
			return ":80"
		}
		return ":8080"
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
