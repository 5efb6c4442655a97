// Command node runs a SemanticWeft node: the HTTP API, the federation
// pull-sync loop, and bootstrap peer discovery.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/auditlog"
	"github.com/semanticweft/semanticweft/internal/federation"
	"github.com/semanticweft/semanticweft/internal/health"
	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/node/handler"
	"github.com/semanticweft/semanticweft/internal/reputation"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("node exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("node")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("sweft")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("bind", ":8080")
	viper.SetDefault("api_base", "http://localhost:8080")
	viper.SetDefault("node.id", "")
	viper.SetDefault("node.name", "")
	viper.SetDefault("node.contact", "")
	viper.SetDefault("node.signing_required", false)
	viper.SetDefault("database.url", "")
	viper.SetDefault("sync.interval_seconds", 60)
	viper.SetDefault("health.interval_seconds", 300)
	viper.SetDefault("peers.bootstrap", "")
	viper.SetDefault("peers.max", 128)
	viper.SetDefault("rate_limit.per_minute", 0)
	viper.SetDefault("reputation.sigma_factor", 1.0)
	viper.SetDefault("cors_origins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	var store storage.Store
	var audit auditlog.Ledger
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pg, err := storage.NewPostgres(rootCtx, dbURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(rootCtx); err != nil {
			return err
		}
		store = pg
		audit = auditlog.NewPostgres(pg.Pool(), logger)
		logger.Info("using postgres storage")
	} else {
		store = storage.NewMemory()
		audit = auditlog.New()
		logger.Info("using in-memory storage; node identity is ephemeral")
	}

	// ── Identity ─────────────────────────────────────────────────────────────
	id, err := identity.LoadOrGenerate(rootCtx, store)
	if err != nil {
		return err
	}
	nodeID := viper.GetString("node.id")
	if nodeID == "" {
		nodeID = id.DID
	}
	logger.Info("node identity ready", zap.String("node_id", nodeID))

	apiBase := strings.TrimRight(viper.GetString("api_base"), "/")
	info := api.NodeInfo{
		NodeID:          nodeID,
		Name:            viper.GetString("node.name"),
		ProtocolVersion: api.ProtocolVersion,
		APIBase:         apiBase,
		Capabilities: []string{
			api.CapabilitySync, api.CapabilitySSE, api.CapabilitySubgraph,
			api.CapabilityPeers, api.CapabilityAgents, api.CapabilityFollows,
		},
		SigningRequired: viper.GetBool("node.signing_required"),
		Contact:         viper.GetString("node.contact"),
		PublicKey:       identity.MultibaseKey(id.Public),
	}

	// ── Federation ───────────────────────────────────────────────────────────
	client := federation.NewClient(id, logger)
	fanout := federation.NewFanout(store, client, id, apiBase, logger)
	syncer := federation.NewSyncer(store, client,
		time.Duration(viper.GetInt("sync.interval_seconds"))*time.Second, logger)
	discovery := federation.NewDiscovery(store, client, api.PeerInfo{
		NodeID:     nodeID,
		APIBase:    apiBase,
		Reputation: storage.DefaultReputation,
	}, viper.GetInt("peers.max"), logger)

	votes := reputation.NewEngine(store, nodeID, viper.GetFloat64("reputation.sigma_factor"), logger)

	checker := health.New(store, health.Config{
		CheckInterval: time.Duration(viper.GetInt("health.interval_seconds")) * time.Second,
	}, logger)

	go syncer.Run(rootCtx)
	go checker.Run(rootCtx)
	if bootstrap := viper.GetString("peers.bootstrap"); bootstrap != "" {
		urls := strings.Split(bootstrap, ",")
		for i := range urls {
			urls[i] = strings.TrimSpace(urls[i])
		}
		go discovery.Bootstrap(rootCtx, urls)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Date", "Signature", "Last-Event-ID", handler.CallerNodeHeader},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	auth := handler.NewAuth(store, logger)
	wellKnown := handler.NewWellKnownHandler(store, info, logger)
	wellKnown.Register(router)
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/v1")
	if perMinute := viper.GetInt("rate_limit.per_minute"); perMinute > 0 {
		v1.Use(handler.NewRateLimiter(perMinute).Middleware())
	}
	handler.NewUnitHandler(store, fanout, auth, info.SigningRequired, logger).Register(v1)
	handler.NewSyncHandler(store, logger).Register(v1)
	handler.NewAgentHandler(store, votes, auth, audit, logger).Register(v1)
	handler.NewFollowHandler(store, auth, logger).Register(v1)
	handler.NewInboxHandler(store, auth, logger).Register(v1)
	handler.NewPeerHandler(store, votes, discovery, audit, logger).Register(v1)
	handler.NewAuditHandler(audit, logger).Register(v1)

	srv := &http.Server{
		Addr:              viper.GetString("bind"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("node listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-rootCtx.Done()
	logger.Info("shutting down node...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("node stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
