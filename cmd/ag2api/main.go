// Command ag2api runs the multi-account Cloud Code gateway: serve
// starts the HTTP surface (proxy + admin API); accounts lists the
// credential pool without starting a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ag2api/config"
	"ag2api/internal/account"
	"ag2api/internal/api"
	"ag2api/internal/audit"
	"ag2api/internal/dispatch"
	"ag2api/internal/logging"
	"ag2api/internal/proxy"
	"ag2api/internal/ratelimit"
	"ag2api/internal/router"
	"ag2api/internal/upstream"

	"github.com/gin-gonic/gin"
)

func main() {
	if len(os.Args) < 2 {
		runServe(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "accounts":
		runAccounts(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	default:
		runServe(os.Args[1:])
	}
}

func loadConfig(configPath string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config at %s: %v, using defaults\n", configPath, err)
		cfg = config.DefaultConfig()
	}
	return cfg
}

func runAccounts(args []string) {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config.yaml")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := logging.New(cfg.Server.LogLevel)

	client := upstream.New(logger)
	limiter := ratelimit.New(time.Duration(config.RetryDelayMs()) * time.Millisecond)
	mgr := account.NewManager(cfg.Auth.Dir, client, limiter, logger)

	summary, err := mgr.LoadAccounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load accounts: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	fmt.Printf("%d account(s) in %s\n", summary.Count, cfg.Auth.Dir)
	for _, a := range summary.Accounts {
		verified := "unverified"
		if a.Verified {
			verified = "verified"
		}
		fmt.Printf("  [%d] %s  %s  project=%s  %s\n", a.Index, a.ID, a.Email, a.ProjectID, verified)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", envOr("CONFIG_PATH", "./config.yaml"), "path to config.yaml")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := logging.New(cfg.Server.LogLevel)

	dbPath := cfg.Audit.DBPath
	if !filepath.IsAbs(dbPath) {
		if abs, err := filepath.Abs(dbPath); err == nil {
			dbPath = abs
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		logger.Fatalf("failed to create audit directory: %v", err)
	}

	auditStore, err := audit.Open(dbPath)
	if err != nil {
		logger.Fatalf("failed to open audit store: %v", err)
	}
	defer auditStore.Close()

	client := upstream.New(logger)
	limiter := ratelimit.New(time.Duration(config.RetryDelayMs()) * time.Millisecond)

	accountMgr := account.NewManager(cfg.Auth.Dir, client, limiter, logger)
	if _, err := accountMgr.LoadAccounts(); err != nil {
		logger.Warnf("initial account load: %v", err)
	}
	defer accountMgr.Close()

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.SweepInterval = time.Duration(config.QuotaRefreshS()) * time.Second
	dispatchCfg.FixedRetryDelay = time.Duration(config.RetryDelayMs()) * time.Millisecond

	dispatcher := dispatch.New(accountMgr, client, limiter, auditStore, logger, dispatchCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	modelRouter := router.NewRouter(cfg)
	proxyHandler := proxy.NewHandler(accountMgr, dispatcher, modelRouter, cfg)
	apiHandler := api.NewHandler(accountMgr, dispatcher, auditStore, modelRouter, cfg)

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Proxy surface (OpenAI/Gemini/Anthropic compatible).
	r.POST("/v1/chat/completions", proxyHandler.HandleChatCompletions)
	r.GET("/v1/models", proxyHandler.HandleModels)
	r.GET("/v1beta/models", proxyHandler.HandleGeminiModels)
	r.POST("/v1/messages", proxyHandler.HandleAnthropicMessages)

	r.GET("/health", apiHandler.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/dashboard", apiHandler.Dashboard)

		apiGroup.GET("/accounts", apiHandler.ListAccounts)
		apiGroup.POST("/accounts", apiHandler.CreateAccount)
		apiGroup.DELETE("/accounts/:file", apiHandler.DeleteAccount)
		apiGroup.POST("/accounts/:file/check", apiHandler.CheckAccount)
		apiGroup.POST("/accounts/check-all", apiHandler.CheckAllAccounts)
		apiGroup.POST("/accounts/reload", apiHandler.ReloadAccounts)

		apiGroup.GET("/quota", apiHandler.GetQuotaSnapshot)

		apiGroup.GET("/routes", apiHandler.GetRoutes)
		apiGroup.PUT("/routes", apiHandler.UpdateRoutes)

		apiGroup.GET("/stats/models", apiHandler.GetModelStats)
		apiGroup.GET("/logs", apiHandler.GetRecentLogs)

		apiGroup.GET("/config", apiHandler.GetConfig)
		apiGroup.PUT("/config", apiHandler.UpdateConfig)

		apiGroup.GET("/oauth/start", apiHandler.StartOAuth)
		apiGroup.GET("/oauth/callback", apiHandler.OAuthCallback)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if p := config.Port(); p != "" {
		addr = fmt.Sprintf("%s:%s", cfg.Server.Host, p)
	}

	logger.Infof("ag2api starting on http://%s", addr)
	logger.Infof("openai-compatible endpoint: http://%s/v1/chat/completions", addr)
	logger.Infof("anthropic-compatible endpoint: http://%s/v1/messages", addr)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
