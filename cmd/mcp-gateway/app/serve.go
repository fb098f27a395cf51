package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-gateway/pkg/api"
	authmw "github.com/stacklok/mcp-gateway/pkg/auth/middleware"
	"github.com/stacklok/mcp-gateway/pkg/authserver"
	"github.com/stacklok/mcp-gateway/pkg/authserver/server/handlers"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/credentials"
	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/secrets"
	"github.com/stacklok/mcp-gateway/pkg/telemetry"
	"github.com/stacklok/mcp-gateway/pkg/transport"
	"github.com/stacklok/mcp-gateway/pkg/transport/events"
	"github.com/stacklok/mcp-gateway/pkg/transport/session"
	"github.com/stacklok/mcp-gateway/pkg/transport/streamable"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
	"github.com/stacklok/mcp-gateway/pkg/upstream"
	"github.com/stacklok/mcp-gateway/pkg/workflows"
)

// runServe wires the gateway together and runs the configured transport
// until the context is cancelled.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	// Storage is the single durable layer everything else sits on.
	store, err := kv.NewStore(ctx, kv.Config{
		Backend: kv.Backend(cfg.Storage.Backend),
		Path:    cfg.Storage.Path,
		Redis: kv.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	// Credential encryption key: env override first, then the OS keyring.
	key, err := secrets.DefaultKeyProvider().EncryptionKey()
	if err != nil {
		return fmt.Errorf("failed to obtain encryption key: %w", err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		return err
	}
	credStore := credentials.NewStore(store, cipher,
		credentials.WithRefreshBuffer(cfg.Upstream.RefreshBuffer))

	// OAuth provider (authorization server role).
	var provider *authserver.Provider
	if cfg.AuthServer.Enabled {
		provider, err = authserver.NewProvider(ctx, store, &authserver.Config{
			Issuer:               cfg.AuthServer.Issuer,
			AccessTokenLifespan:  cfg.AuthServer.AccessTokenLifespan,
			RefreshTokenLifespan: cfg.AuthServer.RefreshTokenLifespan,
			AuthCodeLifespan:     cfg.AuthServer.AuthCodeLifespan,
			AllowedRedirectHosts: cfg.AuthServer.AllowedRedirectHosts,
			RequireHTTPS:         cfg.AuthServer.RequireHTTPS,
			DefaultScope:         cfg.AuthServer.DefaultScope,
		})
		if err != nil {
			return fmt.Errorf("failed to create OAuth provider: %w", err)
		}
	}

	// Upstream consumer (third-party OAuth role).
	var flow *upstream.Flow
	if cfg.Upstream.Enabled {
		adapter, err := upstream.NewOAuth2Adapter(&upstream.Config{
			ProviderID:   cfg.Upstream.ProviderID,
			ClientID:     cfg.Upstream.ClientID,
			ClientSecret: cfg.Upstream.ClientSecret,
			AuthURL:      cfg.Upstream.AuthURL,
			TokenURL:     cfg.Upstream.TokenURL,
			RedirectURL:  cfg.AuthServer.Issuer + "/callback",
			Scopes:       cfg.Upstream.Scopes,
			UsePKCE:      cfg.Upstream.UsePKCE,
		})
		if err != nil {
			return fmt.Errorf("failed to create upstream adapter: %w", err)
		}
		flow = upstream.NewFlow(adapter, credStore, store, cfg.Upstream.UsePKCE)
	}

	metrics := telemetry.NewMetrics()
	registry := workflows.NewRegistry()
	engine := buildEngine(registry)

	persistStore := session.NewPersistentStore(store)
	eventStore := events.NewStore(store)

	// The monitoring API needs the manager's health and metrics, but the
	// manager is built after the routes; the ref closes the loop.
	ref := &managerRef{}

	manager, err := transport.NewManager(
		types.Config{
			Type:                   types.TransportType(cfg.Transport.Type),
			Host:                   cfg.Transport.Host,
			Port:                   cfg.Transport.Port,
			AllowedHosts:           cfg.Transport.AllowedHosts,
			DNSRebindingProtection: cfg.Transport.DNSRebindingProtection,
			SkipAuthentication:     cfg.Transport.SkipAuthentication,
			RequestTimeout:         cfg.Transport.RequestTimeout,
		},
		cfg.AuthServer.Enabled,
		provider != nil,
		httpTransportBuilder(cfg, provider, flow, metrics, registry, persistStore, eventStore, ref),
	)
	if err != nil {
		return err
	}
	ref.manager = manager

	if err := manager.Initialize(ctx, engine); err != nil {
		return err
	}

	logger.Infow("mcp-gateway starting",
		"version", version,
		"transport", cfg.Transport.Type,
		"oauth", cfg.AuthServer.Enabled,
		"upstream", cfg.Upstream.Enabled,
	)
	return manager.Start(ctx)
}

// applyServeFlags lets command-line flags override the file configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if value, _ := cmd.Flags().GetString("transport"); value != "" {
		cfg.Transport.Type = value
	}
	if value, _ := cmd.Flags().GetString("host"); value != "" {
		cfg.Transport.Host = value
	}
	if value, _ := cmd.Flags().GetInt("port"); value != 0 {
		cfg.Transport.Port = value
	}
}

// buildEngine creates the MCP server and exposes the workflow registry
// through it.
func buildEngine(registry *workflows.Registry) *mcpserver.MCPServer {
	engine := mcpserver.NewMCPServer("mcp-gateway", version,
		mcpserver.WithToolCapabilities(true),
	)

	engine.AddTool(
		mcp.NewTool("run_workflow",
			mcp.WithDescription("Run a registered workflow by name"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			name, _ := args["name"].(string)
			result, err := registry.Invoke(ctx, name, args)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("%v", result)), nil
		},
	)
	return engine
}

// managerRef late-binds the transport manager for the monitoring API.
type managerRef struct {
	manager *transport.Manager
}

// IsHealthy reports the active transport's health, optimistically healthy
// before the manager exists.
func (r *managerRef) IsHealthy() bool {
	if r.manager == nil {
		return true
	}
	return r.manager.IsHealthy()
}

// Metrics returns the active transport's metric snapshots.
func (r *managerRef) Metrics() map[string]types.Metrics {
	if r.manager == nil {
		return nil
	}
	return r.manager.Metrics()
}

// httpTransportBuilder constructs transports on demand for the manager.
func httpTransportBuilder(
	cfg *config.Config,
	provider *authserver.Provider,
	flow *upstream.Flow,
	metrics *telemetry.Metrics,
	registry *workflows.Registry,
	persistStore *session.PersistentStore,
	eventStore *events.Store,
	ref *managerRef,
) transport.Builder {
	return func(transportType types.TransportType) (types.Transport, error) {
		switch transportType {
		case types.TransportTypeStdio:
			return transport.NewStdioTransport(), nil

		case types.TransportTypeStreamableHTTP, types.TransportTypeSSE:
			var authMw types.MiddlewareFunction
			if provider != nil {
				// The flow implements both the session-binding service and
				// the upstream API client; nil when no upstream is
				// configured.
				var authService authserver.AuthService
				var apiClient authserver.APIClient
				if flow != nil {
					authService = flow
					apiClient = flow
				}
				inner := authmw.GetAuthenticationMiddleware(
					provider, authService, apiClient, string(transportType), cfg.Transport.SkipAuthentication)
				outer := metrics.HTTPMetricsMiddleware()
				authMw = func(next http.Handler) http.Handler {
					return outer(inner(next))
				}
			}

			tr := streamable.NewTransport(
				types.Config{
					Type:                   transportType,
					Host:                   cfg.Transport.Host,
					Port:                   cfg.Transport.Port,
					AllowedHosts:           cfg.Transport.AllowedHosts,
					DNSRebindingProtection: cfg.Transport.DNSRebindingProtection,
					SkipAuthentication:     cfg.Transport.SkipAuthentication,
					RequestTimeout:         cfg.Transport.RequestTimeout,
				},
				authMw,
				persistStore,
				eventStore,
				extraRoutes(cfg, provider, flow, metrics, registry, readinessProbe(persistStore), ref),
			)
			return tr, nil

		default:
			return nil, fmt.Errorf("unsupported transport type: %s", transportType)
		}
	}
}

// readinessProbe adapts the persistence store into a readiness check: the
// gateway is ready when storage answers.
func readinessProbe(persistStore *session.PersistentStore) func() error {
	return func() error {
		_, err := persistStore.GetActiveSessions(context.Background())
		return err
	}
}

// extraRoutes assembles the unauthenticated endpoint surface: OAuth
// endpoints, discovery, and the monitoring API.
func extraRoutes(
	cfg *config.Config,
	provider *authserver.Provider,
	flow *upstream.Flow,
	metrics *telemetry.Metrics,
	registry *workflows.Registry,
	ready func() error,
	ref *managerRef,
) map[string]http.Handler {
	routes := map[string]http.Handler{}

	if provider != nil {
		var upstreamFlow handlers.UpstreamFlow
		if flow != nil {
			upstreamFlow = flow
		}
		h := handlers.New(provider, upstreamFlow)
		routes["/.well-known/oauth-authorization-server"] = http.HandlerFunc(h.Metadata)
		routes["/authorize"] = http.HandlerFunc(h.Authorize)
		routes["/token"] = http.HandlerFunc(h.Token)
		routes["/register"] = http.HandlerFunc(h.Register)
		routes["/callback"] = http.HandlerFunc(h.Callback)
		routes["/.well-known/oauth-protected-resource"] = authmw.NewAuthInfoHandler(
			cfg.AuthServer.Issuer, cfg.AuthServer.Issuer+"/mcp", nil)
	}

	if cfg.API.Enabled {
		routes["/api/v1"] = api.Router(api.Deps{
			Health:     ref,
			Ready:      ready,
			Transports: ref,
			Metrics:    metrics,
			Workflows:  registry,
			Version:    version,
		})
	}

	return routes
}
