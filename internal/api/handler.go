package api

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"ag2api/config"
	"ag2api/internal/account"
	"ag2api/internal/audit"
	"ag2api/internal/dispatch"
	"ag2api/internal/router"

	"github.com/gin-gonic/gin"
)

// Handler serves the admin/management API: account CRUD, quota
// snapshot, audit log, routes, and config -- all read through the
// AccountManager, Dispatcher, and audit.Store.
type Handler struct {
	accounts   *account.Manager
	dispatcher *dispatch.Dispatcher
	audit      *audit.Store
	router     *router.Router
	cfg        *config.Config
	oauth      *account.OAuthHandler
}

// NewHandler creates a new admin API handler. auditStore may be nil.
func NewHandler(accounts *account.Manager, dispatcher *dispatch.Dispatcher, auditStore *audit.Store, rt *router.Router, cfg *config.Config) *Handler {
	return &Handler{
		accounts:   accounts,
		dispatcher: dispatcher,
		audit:      auditStore,
		router:     rt,
		cfg:        cfg,
		oauth:      account.NewOAuthHandler(accounts),
	}
}

// ListAccounts returns the pool summary.
func (h *Handler) ListAccounts(c *gin.Context) {
	c.JSON(200, h.accounts.Summary())
}

// reloadAccounts is the JSON-import convenience: accepts a single
// Credentials record and hands it to AddAccount, so an operator can
// drop a credential file's contents directly into the admin API
// without going through the OAuth browser flow.
func (h *Handler) CreateAccount(c *gin.Context) {
	var creds account.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	acct, err := h.accounts.AddAccount(ctx, creds)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(201, gin.H{"id": acct.ID, "email": acct.Credentials.Email})
}

// DeleteAccount removes an account by its credential file name.
func (h *Handler) DeleteAccount(c *gin.Context) {
	fileName := c.Param("file")
	if err := h.accounts.DeleteAccountByFile(fileName); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(204, nil)
}

// CheckAccount forces a credential refresh + project-id verification
// for one account (by credential file name) and returns its updated
// summary row.
func (h *Handler) CheckAccount(c *gin.Context) {
	fileName := c.Param("file")

	accts := h.accounts.Accounts()
	index := -1
	for i, a := range accts {
		if filepath.Base(a.FilePath) == fileName {
			index = i
			break
		}
	}
	if index == -1 {
		c.JSON(404, gin.H{"error": "account not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if _, err := h.accounts.GetCredentialsByIndex(ctx, index, account.GroupGemini); err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, h.accounts.Summary())
}

// CheckAllAccounts re-verifies every account's project id.
func (h *Handler) CheckAllAccounts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	ok, fail, total, err := h.accounts.RefreshAllProjectIDs(ctx)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": ok, "fail": fail, "total": total, "accounts": h.accounts.Summary()})
}

// ReloadAccounts re-scans the auth directory.
func (h *Handler) ReloadAccounts(c *gin.Context) {
	summary, err := h.accounts.ReloadAccounts()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, summary)
}

// GetRoutes returns the static model route table.
func (h *Handler) GetRoutes(c *gin.Context) {
	c.JSON(200, gin.H{
		"routes":          h.router.GetRoutes(),
		"claudeModelMap":  config.ClaudeModelMap(),
		"geminiModelMap":  config.GeminiModelMap(),
	})
}

// UpdateRoutes replaces the static model route table.
func (h *Handler) UpdateRoutes(c *gin.Context) {
	var routes map[string]string
	if err := c.ShouldBindJSON(&routes); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	h.router.SetRoutes(routes)

	h.cfg.Routes = nil
	for pattern, target := range routes {
		h.cfg.Routes = append(h.cfg.Routes, config.RouteConfig{Pattern: pattern, Target: target})
	}

	c.JSON(200, routes)
}

// GetQuotaSnapshot returns the dispatcher's current per-(model,account)
// quota observations.
func (h *Handler) GetQuotaSnapshot(c *gin.Context) {
	c.JSON(200, h.dispatcher.QuotaSnapshot())
}

// GetModelStats returns per-model audit aggregates.
func (h *Handler) GetModelStats(c *gin.Context) {
	if h.audit == nil {
		c.JSON(200, []audit.ModelStats{})
		return
	}
	stats, err := h.audit.StatsByModel()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, stats)
}

// GetRecentLogs returns recent audit records.
func (h *Handler) GetRecentLogs(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	if h.audit == nil {
		c.JSON(200, []audit.Record{})
		return
	}

	logs, err := h.audit.Recent(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, logs)
}

// GetConfig returns the current configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(200, h.cfg)
}

// UpdateConfig updates the mutable subset of configuration.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var newCfg config.Config
	if err := c.ShouldBindJSON(&newCfg); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	h.cfg.Server.LogLevel = newCfg.Server.LogLevel
	h.cfg.Proxy.Timeout = newCfg.Proxy.Timeout

	c.JSON(200, h.cfg)
}

// Dashboard aggregates pool summary, quota snapshot, and model stats
// for a single admin-UI fetch.
func (h *Handler) Dashboard(c *gin.Context) {
	summary := h.accounts.Summary()

	var modelStats []audit.ModelStats
	if h.audit != nil {
		modelStats, _ = h.audit.StatsByModel()
	}

	c.JSON(200, gin.H{
		"accounts":    summary,
		"quota":       h.dispatcher.QuotaSnapshot(),
		"model_stats": modelStats,
	})
}

// Health reports pool health.
func (h *Handler) Health(c *gin.Context) {
	summary := h.accounts.Summary()

	status := "healthy"
	if summary.Count == 0 {
		status = "no_accounts"
	}

	c.JSON(200, gin.H{
		"status":        status,
		"total_accounts": summary.Count,
	})
}

// StartOAuth returns the authorization URL for the interactive
// "add account" browser flow.
func (h *Handler) StartOAuth(c *gin.Context) {
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		redirectURI = "http://127.0.0.1:8085/api/oauth/callback"
	}
	c.JSON(200, gin.H{"url": h.oauth.GetAuthURL(redirectURI)})
}

// OAuthCallback completes the authorization-code exchange and persists
// the resulting account.
func (h *Handler) OAuthCallback(c *gin.Context) {
	code := c.Query("code")
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		redirectURI = "http://127.0.0.1:8085/api/oauth/callback"
	}
	if code == "" {
		c.JSON(400, gin.H{"error": "missing code"})
		return
	}

	acct, err := h.oauth.ProcessCallback(code, redirectURI)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"id": acct.ID, "email": acct.Credentials.Email})
}
