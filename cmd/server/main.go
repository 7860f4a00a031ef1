// Command server runs the relais chat completion relay.
//
// Configuration is layered: built-in defaults, a YAML config file
// (-config flag, RELAIS_CONFIG env, ./config.yaml, /etc/relais/config.yaml),
// then RELAIS_* environment variable overrides. See pkg/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/auth"
	"github.com/relais-dev/relais/pkg/auth/apikey"
	"github.com/relais-dev/relais/pkg/auth/jwt"
	"github.com/relais-dev/relais/pkg/auth/noop"
	"github.com/relais-dev/relais/pkg/config"
	"github.com/relais-dev/relais/pkg/observability"
	"github.com/relais-dev/relais/pkg/relay"
	"github.com/relais-dev/relais/pkg/storage/memory"
	"github.com/relais-dev/relais/pkg/storage/postgres"
	"github.com/relais-dev/relais/pkg/transport"
	transporthttp "github.com/relais-dev/relais/pkg/transport/http"
	"github.com/relais-dev/relais/pkg/upstream/openaicompat"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backend client.
	client, err := openaicompat.New(openaicompat.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating upstream client: %w", err)
	}
	defer client.Close()

	// Transcript store.
	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Relay core.
	registry := relay.NewRegistry()
	controller := relay.NewController(relay.Options{
		Upstream: client,
		Registry: registry,
		Store:    store,
		Validation: api.ValidationConfig{
			MaxMessages:    cfg.Relay.MaxMessages,
			MaxContentSize: cfg.Relay.MaxContentSize,
		},
		Logger: logger,
	})

	janitor := relay.NewJanitor(controller, registry,
		cfg.Relay.JanitorInterval, cfg.Relay.MaxChatAge, logger)
	go janitor.Run(ctx)

	// Authentication and rate limiting.
	chain, err := buildAuthChain(cfg)
	if err != nil {
		return err
	}
	var limiter auth.RateLimiter
	if cfg.Auth.RateLimit.Enabled {
		tiers := make(map[string]auth.TierConfig, len(cfg.Auth.RateLimit.Tiers))
		for name, rpm := range cfg.Auth.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.Auth.RateLimit.DefaultRPM)
	}

	httpMW := []func(http.Handler) http.Handler{
		auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints),
		observability.MetricsMiddleware,
	}
	if cfg.Observability.Metrics.Enabled {
		httpMW = append(httpMW, metricsEndpoint(cfg.Observability.Metrics.Path))
	}

	srv := transporthttp.NewServer(controller, controller, store,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithHTTPMiddleware(httpMW...),
	)

	logger.Info("relais starting",
		"port", cfg.Server.Port,
		"backend", cfg.Upstream.BaseURL,
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)
	return srv.ListenAndServeContext(ctx)
}

// buildStore creates the transcript store from configuration.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.ChatStore, error) {
	switch cfg.Storage.Type {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			MigrateOnStart: cfg.Storage.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		logger.Info("storage enabled", "type", "postgres")
		return pg, nil
	default:
		logger.Info("storage enabled", "type", "memory", "max_size", cfg.Storage.MaxSize)
		return memory.New(cfg.Storage.MaxSize), nil
	}
}

// buildAuthChain assembles the authenticator chain from configuration.
func buildAuthChain(cfg *config.Config) (*auth.AuthChain, error) {
	switch cfg.Auth.Type {
	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			entries = append(entries, apikey.RawKeyEntry{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					ServiceTier: k.Tier,
					Metadata:    map[string]string{"owner_id": k.OwnerID},
				},
			})
		}
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{apikey.New(entries)},
			DefaultDecision: auth.No,
		}, nil
	case "jwt":
		authn := jwt.New(jwt.Config{
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			JWKSURL:    cfg.Auth.JWT.JWKSURL,
			OwnerClaim: cfg.Auth.JWT.OwnerClaim,
			CacheTTL:   time.Hour,
		})
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{authn},
			DefaultDecision: auth.No,
		}, nil
	default:
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{&noop.Authenticator{}},
			DefaultDecision: auth.Yes,
		}, nil
	}
}

// metricsEndpoint serves the Prometheus scrape endpoint at the given path
// and passes everything else through.
func metricsEndpoint(path string) func(http.Handler) http.Handler {
	handler := promhttp.Handler()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				handler.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
