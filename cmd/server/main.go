// @title           ClipGate API
// @version         1.0.0
// @description     Webhook-to-TikTok publish gateway: API key issuance, account connect flow, and idempotent video publish dispatch.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  ApiKey
// @in                          header
// @name                        X-Api-Key
//
// @tag.name         System
// @tag.description  Health endpoint.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090) that is separate from the main API server. This keeps the scrape path off the public ingress and avoids rate-limiting middleware. Configure the port with CGW_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics. It is not part of the OpenAPI spec because it is not served by the Gin router.

// Package main is the entry point for the ClipGate server binary. It
// dispatches two subcommands, serve and version, via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipgate/clipgate/internal/api"
	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/config"
	"github.com/clipgate/clipgate/internal/crypto"
	"github.com/clipgate/clipgate/internal/dispatch"
	"github.com/clipgate/clipgate/internal/jobs"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/media"
	"github.com/clipgate/clipgate/internal/ratelimit"
	"github.com/clipgate/clipgate/internal/safego"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/telemetry"
	"github.com/clipgate/clipgate/internal/tiktok"
	"github.com/clipgate/clipgate/internal/token"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg)
	case "version":
		fmt.Printf("ClipGate v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

// meteredRefresher counts refresh-token grant outcomes. It wraps the
// TikTok client before it is handed to the token manager so every
// transparent refresh shows up in the token_refreshes_total series.
type meteredRefresher struct {
	client *tiktok.Client
}

func (m *meteredRefresher) RefreshToken(ctx context.Context, refreshToken string) (*tiktok.TokenGrant, error) {
	grant, err := m.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		telemetry.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	telemetry.TokenRefreshesTotal.WithLabelValues("success").Inc()
	return grant, nil
}

// buildTokenCipher accepts either a base64-encoded 32-byte master key or
// an arbitrary passphrase. Passphrases are stretched with PBKDF2, salted
// with the application's client key so two deployments sharing a
// passphrase still derive distinct keys.
func buildTokenCipher(configured, clientKey string) (*crypto.TokenCipher, error) {
	if raw, err := base64.StdEncoding.DecodeString(configured); err == nil && len(raw) == 32 {
		return crypto.NewTokenCipher(raw)
	}
	salt := sha256.Sum256([]byte("clipgate:" + clientKey))
	return crypto.DeriveTokenCipher(configured, salt[:], 0)
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent
	// log output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Select the shared store. Redis is the production path; the memory
	// store keeps single-instance development free of infrastructure but
	// loses all records on restart.
	var store kv.Store
	var ipLimiter *redis_rate.Limiter
	if cfg.Redis.URL != "" {
		redisStore, err := kv.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisStore.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis is unreachable: %w", err)
		}
		store = redisStore
		ipLimiter = redis_rate.NewLimiter(redisStore.Client())
		log.Println("Connected to Redis successfully")
	} else {
		store = kv.NewMemoryStore()
		log.Println("Warning: no redis.url configured, using in-process memory store")
	}

	tk, err := tiktok.NewClient(&tiktok.Settings{
		ClientKey:    cfg.TikTok.ClientKey,
		ClientSecret: cfg.TikTok.ClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		Scopes:       cfg.TikTok.Scopes,
		AuthBase:     cfg.TikTok.AuthBase,
		APIBase:      cfg.TikTok.APIBase,
	})
	if err != nil {
		return fmt.Errorf("failed to create tiktok client: %w", err)
	}

	urlSigner := &signer.Signer{
		AccessKeyID:     cfg.Media.AccessKeyID,
		SecretAccessKey: cfg.Media.SecretAccessKey,
		Host:            cfg.Media.Host,
		Bucket:          cfg.Media.Bucket,
		LegacyHosts:     cfg.Media.LegacyHosts,
	}

	keys := apikey.NewRegistry(store)
	tokens := token.NewManager(store, &meteredRefresher{client: tk})
	if cfg.Security.TokenEncryptionKey != "" {
		cipher, err := buildTokenCipher(cfg.Security.TokenEncryptionKey, cfg.TikTok.ClientKey)
		if err != nil {
			return fmt.Errorf("failed to build token cipher: %w", err)
		}
		tokens.SetCipher(cipher)
		log.Println("Token encryption at rest enabled")
	}
	limiter := ratelimit.NewLimiter(store)
	dispatcher := dispatch.NewDispatcher(keys, tokens, urlSigner, tk, limiter, store, dispatch.Config{
		RateLimit:      cfg.Dispatch.RateLimit,
		RateWindow:     cfg.Dispatch.RateWindow,
		URLExpiry:      cfg.Media.URLExpiry,
		DraftPrivacy:   cfg.Dispatch.DraftPrivacy,
		PublishPrivacy: cfg.Dispatch.PublishPrivacy,
	})

	var verifier api.ClipVerifier
	if cfg.Media.VerifyExists {
		objects, err := media.New(context.Background(), &media.Settings{
			Endpoint:        cfg.Media.Endpoint,
			Region:          cfg.Media.Region,
			Bucket:          cfg.Media.Bucket,
			AccessKeyID:     cfg.Media.AccessKeyID,
			SecretAccessKey: cfg.Media.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		verifier = objects
		log.Println("Clip existence verification enabled")
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Enabled && cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	sweeper := jobs.NewRetentionSweeper(store, jobs.SweeperConfig{
		Enabled:       cfg.Sweeper.Enabled,
		Interval:      cfg.Sweeper.Interval,
		MaxPendingAge: cfg.Sweeper.MaxPendingAge,
		DryRun:        cfg.Sweeper.DryRun,
	})
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	defer cancelSweeper()
	safego.Go(func() { sweeper.Start(sweeperCtx) })

	router := api.NewRouter(cfg, &api.Dependencies{
		Store:      store,
		Keys:       keys,
		Grants:     tokens,
		TikTok:     tk,
		Dispatcher: dispatcher,
		URLSigner:  urlSigner,
		Verifier:   verifier,
		IPLimiter:  ipLimiter,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Base URL: %s", cfg.Server.BaseURL)
		log.Printf("OAuth redirect URI: %s", cfg.RedirectURI())
		log.Printf("Media host: %s (bucket %s)", cfg.Media.Host, cfg.Media.Bucket)
		log.Println("Server is ready to accept connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	cancelSweeper()
	sweeper.Stop()

	log.Println("Server stopped gracefully")
	return nil
}
