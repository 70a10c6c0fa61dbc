package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"ag2api/internal/dispatch"

	"github.com/gin-gonic/gin"
)

// AnthropicRequest is the Anthropic Messages API request shape.
type AnthropicRequest struct {
	Model       string                   `json:"model"`
	Messages    []map[string]interface{} `json:"messages"`
	System      string                   `json:"system,omitempty"`
	MaxTokens   int                      `json:"max_tokens"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence,omitempty"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (req AnthropicRequest) messages() []map[string]interface{} {
	messages := req.Messages
	if req.System != "" {
		messages = append([]map[string]interface{}{
			{"role": "system", "content": req.System},
		}, messages...)
	}
	return messages
}

// HandleAnthropicMessages handles the Anthropic-compatible messages route.
func (h *Handler) HandleAnthropicMessages(c *gin.Context) {
	var req AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"type": "error", "error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	targetModel := h.router.Route(req.Model)
	messages := req.messages()
	if h.router.IsBackgroundRequest(messages) {
		targetModel = h.router.GetLightModel()
	}

	sessionID := sessionIDFromMessages(messages)

	resp, err := h.dispatcher.CallV1Internal(c.Request.Context(), "generateContent", dispatch.CallOptions{
		Model: targetModel,
		BuildBody: func(projectID string) []byte {
			return buildGenerateContentBody(projectID, targetModel, messages, req.Temperature, req.MaxTokens)
		},
		PreferredAccountKey: h.accounts.PreferredAccountForSession(sessionID),
		OnAccountSelected: func(accountKey string) {
			h.accounts.BindSession(sessionID, accountKey)
		},
	})
	if err != nil {
		status, typ := errorStatus(err)
		c.JSON(status, gin.H{"type": "error", "error": gin.H{"type": typ, "message": err.Error()}})
		return
	}

	if resp.Status < 200 || resp.Status >= 300 {
		c.Data(resp.Status, "application/json", resp.Body)
		return
	}

	text, finishReason, promptTokens, completionTokens, parseErr := parseGenerateContentResponse(resp.Body)
	if parseErr != nil {
		c.JSON(502, gin.H{"type": "error", "error": gin.H{"type": "api_error", "message": parseErr.Error()}})
		return
	}

	stopReason := anthropicStopReason(finishReason)

	if req.Stream {
		h.streamAnthropicResult(c, targetModel, text, stopReason, promptTokens, completionTokens)
		return
	}

	out := anthropicResponse{
		ID:         fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Type:       "message",
		Role:       "assistant",
		Model:      targetModel,
		StopReason: stopReason,
	}
	out.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}
	out.Usage.InputTokens = promptTokens
	out.Usage.OutputTokens = completionTokens

	c.JSON(200, out)
}

func anthropicStopReason(geminiFinishReason string) string {
	switch geminiFinishReason {
	case "max_tokens":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// streamAnthropicResult replays a single completed generateContent
// result as the Anthropic SSE event sequence. The upstream client has
// no streaming operation -- every call returns one terminal JSON body
// -- so a streaming request is served by synthesizing the expected
// event sequence from that single completed result.
func (h *Handler) streamAnthropicResult(c *gin.Context, model, text, stopReason string, inputTokens, outputTokens int) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	msgID := fmt.Sprintf("msg_%d", time.Now().UnixNano())

	writeEvent(c, "message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":    msgID,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"usage": map[string]int{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})

	writeEvent(c, "content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": 0,
		"content_block": map[string]interface{}{
			"type": "text",
			"text": "",
		},
	})

	writeEvent(c, "content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]interface{}{
			"type": "text_delta",
			"text": text,
		},
	})

	writeEvent(c, "content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": 0,
	})

	writeEvent(c, "message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason},
		"usage": map[string]int{"output_tokens": outputTokens},
	})

	writeEvent(c, "message_stop", map[string]interface{}{"type": "message_stop"})
}

func writeEvent(c *gin.Context, event string, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	c.Writer.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
	c.Writer.Flush()
}
