package proxy

import (
	"encoding/json"
	"strings"
)

// messagesToGeminiContents normalizes an OpenAI/Anthropic-style message
// list into the Cloud Code / Gemini wire shape for one turn -- both the
// Claude-family and Gemini-family models front the same v1internal RPC
// surface in this normalized shape.
func messagesToGeminiContents(messages []map[string]interface{}) (contents []map[string]interface{}, systemInstruction string) {
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		content := msg["content"]

		if role == "system" {
			if c, ok := content.(string); ok {
				systemInstruction = c
			}
			continue
		}

		geminiRole := "user"
		if role == "assistant" {
			geminiRole = "model"
		}

		var parts []map[string]interface{}
		switch c := content.(type) {
		case string:
			parts = []map[string]interface{}{{"text": c}}
		case []interface{}:
			for _, part := range c {
				p, ok := part.(map[string]interface{})
				if !ok {
					continue
				}
				switch p["type"] {
				case "text":
					parts = append(parts, map[string]interface{}{"text": p["text"]})
				case "image_url":
					imgURL, ok := p["image_url"].(map[string]interface{})
					if !ok {
						continue
					}
					url, ok := imgURL["url"].(string)
					if !ok || !strings.HasPrefix(url, "data:") {
						continue
					}
					urlParts := strings.SplitN(url, ",", 2)
					if len(urlParts) != 2 {
						continue
					}
					mimeType := strings.TrimPrefix(strings.Split(urlParts[0], ";")[0], "data:")
					parts = append(parts, map[string]interface{}{
						"inline_data": map[string]interface{}{
							"mime_type": mimeType,
							"data":      urlParts[1],
						},
					})
				}
			}
		}

		contents = append(contents, map[string]interface{}{
			"role":  geminiRole,
			"parts": parts,
		})
	}

	return contents, systemInstruction
}

// buildGenerateContentBody renders the v1internal:generateContent wire
// body. The envelope ({model, project, request}) follows the same
// project-keyed shape used elsewhere for loadCodeAssist and
// fetchAvailableModels, extended with the model id and the inner
// Gemini-shaped request -- the "v1internal:<method>" RPC convention the
// gateway normalizes both model families onto.
func buildGenerateContentBody(projectID, model string, messages []map[string]interface{}, temperature float64, maxTokens int) []byte {
	contents, systemInstruction := messagesToGeminiContents(messages)

	innerReq := map[string]interface{}{
		"contents": contents,
	}
	if systemInstruction != "" {
		innerReq["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": systemInstruction}},
		}
	}

	genConfig := map[string]interface{}{}
	if temperature > 0 {
		genConfig["temperature"] = temperature
	}
	if maxTokens > 0 {
		genConfig["maxOutputTokens"] = maxTokens
	}
	if len(genConfig) > 0 {
		innerReq["generationConfig"] = genConfig
	}

	wire := map[string]interface{}{
		"model":   model,
		"project": projectID,
		"request": innerReq,
	}

	body, _ := json.Marshal(wire)
	return body
}

// geminiGenerateContentResponse is the subset of the v1internal
// generateContent response this gateway reads back.
type geminiGenerateContentResponse struct {
	Response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	} `json:"response"`
}

func parseGenerateContentResponse(body []byte) (text, finishReason string, promptTokens, completionTokens int, err error) {
	var parsed geminiGenerateContentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", 0, 0, err
	}

	finishReason = "stop"
	if len(parsed.Response.Candidates) > 0 {
		cand := parsed.Response.Candidates[0]
		if len(cand.Content.Parts) > 0 {
			text = cand.Content.Parts[0].Text
		}
		if cand.FinishReason != "" {
			finishReason = strings.ToLower(cand.FinishReason)
		}
	}

	return text, finishReason, parsed.Response.UsageMetadata.PromptTokenCount, parsed.Response.UsageMetadata.CandidatesTokenCount, nil
}
