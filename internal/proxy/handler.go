package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ag2api/config"
	"ag2api/internal/account"
	"ag2api/internal/dispatch"
	"ag2api/internal/router"

	"github.com/gin-gonic/gin"
)

// Handler handles proxy requests: every route here ultimately calls
// Dispatcher.CallV1Internal, which owns account selection, cooldown,
// rotation, and fast-fail -- handlers never retry or pick accounts
// themselves.
type Handler struct {
	accounts   *account.Manager
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	cfg        *config.Config
}

// NewHandler creates a new proxy handler.
func NewHandler(accounts *account.Manager, dispatcher *dispatch.Dispatcher, rt *router.Router, cfg *config.Config) *Handler {
	return &Handler{
		accounts:   accounts,
		dispatcher: dispatcher,
		router:     rt,
		cfg:        cfg,
	}
}

// ChatCompletionRequest is the OpenAI-compatible request shape.
type ChatCompletionRequest struct {
	Model       string                   `json:"model"`
	Messages    []map[string]interface{} `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int                    `json:"index"`
		Message      map[string]interface{} `json:"message"`
		FinishReason string                 `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// HandleChatCompletions handles the OpenAI-style chat completions route.
func (h *Handler) HandleChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}

	targetModel := h.router.Route(req.Model)
	if h.router.IsBackgroundRequest(req.Messages) {
		targetModel = h.router.GetLightModel()
	}

	sessionID := sessionIDFromMessages(req.Messages)

	resp, err := h.dispatcher.CallV1Internal(c.Request.Context(), "generateContent", dispatch.CallOptions{
		Model: targetModel,
		BuildBody: func(projectID string) []byte {
			return buildGenerateContentBody(projectID, targetModel, req.Messages, req.Temperature, req.MaxTokens)
		},
		PreferredAccountKey: h.accounts.PreferredAccountForSession(sessionID),
		OnAccountSelected: func(accountKey string) {
			h.accounts.BindSession(sessionID, accountKey)
		},
	})
	if err != nil {
		h.writeOpenAIError(c, err)
		return
	}

	if resp.Status < 200 || resp.Status >= 300 {
		c.Data(resp.Status, "application/json", resp.Body)
		return
	}

	text, finishReason, promptTokens, completionTokens, parseErr := parseGenerateContentResponse(resp.Body)
	if parseErr != nil {
		c.JSON(502, gin.H{"error": gin.H{"message": parseErr.Error(), "type": "api_error"}})
		return
	}

	out := chatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   targetModel,
	}
	out.Choices = []struct {
		Index        int                    `json:"index"`
		Message      map[string]interface{} `json:"message"`
		FinishReason string                 `json:"finish_reason"`
	}{
		{Index: 0, Message: map[string]interface{}{"role": "assistant", "content": text}, FinishReason: finishReason},
	}
	out.Usage.PromptTokens = promptTokens
	out.Usage.CompletionTokens = completionTokens
	out.Usage.TotalTokens = promptTokens + completionTokens

	c.JSON(200, out)
}

func (h *Handler) writeOpenAIError(c *gin.Context, err error) {
	status, typ := errorStatus(err)
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error(), "type": typ}})
}

// errorStatus maps a dispatcher/account sentinel error to an HTTP
// status and an error-type label, via errors.Is -- never by
// string-matching.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, account.ErrNoAccounts):
		return 503, "service_unavailable"
	case errors.Is(err, account.ErrInvalidIndex):
		return 500, "internal_error"
	case errors.Is(err, dispatch.ErrExhausted):
		return 503, "overloaded_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return 504, "timeout_error"
	default:
		return 502, "api_error"
	}
}

func sessionIDFromMessages(messages []map[string]interface{}) string {
	for _, m := range messages {
		if m["role"] == "user" {
			if content, ok := m["content"].(string); ok && content != "" {
				return account.GenerateSessionID(content)
			}
		}
	}
	return ""
}

// HandleModels returns available models in OpenAI-compatible format.
func (h *Handler) HandleModels(c *gin.Context) {
	models := []map[string]interface{}{
		{"id": "gemini-3-pro-high", "object": "model", "owned_by": "google"},
		{"id": "gemini-3-pro", "object": "model", "owned_by": "google"},
		{"id": "gemini-3-flash", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.5-pro", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.5-flash", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.5-flash-lite", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.0-flash", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.0-pro", "object": "model", "owned_by": "google"},
		{"id": "gemini-1.5-flash", "object": "model", "owned_by": "google"},
		{"id": "gemini-1.5-pro", "object": "model", "owned_by": "google"},
		{"id": "claude-opus-4-5-thinking", "object": "model", "owned_by": "anthropic-alias"},
		{"id": "claude-opus-4-5", "object": "model", "owned_by": "anthropic-alias"},
		{"id": "claude-sonnet-4-5", "object": "model", "owned_by": "anthropic-alias"},
		{"id": "claude-sonnet-4", "object": "model", "owned_by": "anthropic-alias"},
		{"id": "claude-3-5-sonnet", "object": "model", "owned_by": "anthropic-alias"},
		{"id": "claude-3-haiku", "object": "model", "owned_by": "anthropic-alias"},
	}
	c.JSON(200, gin.H{"object": "list", "data": models})
}

// HandleGeminiModels returns models in Gemini-native list format.
func (h *Handler) HandleGeminiModels(c *gin.Context) {
	models, err := h.dispatcher.FetchAvailableModels(c.Request.Context())
	if err != nil {
		h.writeOpenAIError(c, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(models))
	for name := range models {
		out = append(out, map[string]interface{}{
			"name":                       "models/" + name,
			"supportedGenerationMethods": []string{"generateContent", "countTokens"},
		})
	}
	c.JSON(200, gin.H{"models": out})
}
