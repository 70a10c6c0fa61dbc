package router

import (
	"regexp"
	"strings"
	"sync"

	"ag2api/config"
)

// Router handles model routing and mapping. Exact/pattern routes come
// from config.Config.Routes; AG2API_CLAUDE_MODEL_MAP and
// AG2API_GEMINI_MODEL_MAP are consulted first, ahead of the static
// config routes, since an operator setting the env expects it to win
// without a config reload.
type Router struct {
	routes   map[string]string
	patterns []patternRoute
	mu       sync.RWMutex
}

type patternRoute struct {
	pattern *regexp.Regexp
	target  string
}

// NewRouter creates a new router.
func NewRouter(cfg *config.Config) *Router {
	r := &Router{
		routes: make(map[string]string),
	}

	for _, route := range cfg.Routes {
		r.AddRoute(route.Pattern, route.Target)
	}

	return r
}

// AddRoute adds a route mapping.
func (r *Router) AddRoute(pattern, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.Contains(pattern, "*") {
		regexPattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		if re, err := regexp.Compile(regexPattern); err == nil {
			r.patterns = append(r.patterns, patternRoute{
				pattern: re,
				target:  target,
			})
		}
	} else {
		r.routes[pattern] = target
	}
}

// RemoveRoute removes a route.
func (r *Router) RemoveRoute(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.routes, pattern)

	for i, p := range r.patterns {
		if p.pattern.String() == "^"+strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")+"$" {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			break
		}
	}
}

// Route returns the target model for a given source model, consulting
// the env model maps before the static route table.
func (r *Router) Route(model string) string {
	lower := strings.ToLower(model)

	if target, ok := config.ClaudeModelMap()[lower]; ok {
		return target
	}
	if target, ok := config.GeminiModelMap()[lower]; ok {
		return target
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.routes[model]; ok {
		return target
	}
	for _, p := range r.patterns {
		if p.pattern.MatchString(model) {
			return p.target
		}
	}

	return model
}

// GetRoutes returns all exact-match routes (the static config table;
// the env model maps are reported separately since they are not
// mutable through this type).
func (r *Router) GetRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]string)
	for k, v := range r.routes {
		routes[k] = v
	}

	return routes
}

// SetRoutes replaces all routes.
func (r *Router) SetRoutes(routes map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = make(map[string]string)
	r.patterns = nil

	for pattern, target := range routes {
		if strings.Contains(pattern, "*") {
			regexPattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
			if re, err := regexp.Compile(regexPattern); err == nil {
				r.patterns = append(r.patterns, patternRoute{
					pattern: re,
					target:  target,
				})
			}
		} else {
			r.routes[pattern] = target
		}
	}
}

// IsBackgroundRequest checks if the request is a background task
// (title generation, summarization) that should be routed to a light
// model regardless of the requested one.
func (r *Router) IsBackgroundRequest(messages []map[string]interface{}) bool {
	backgroundPatterns := []string{
		"generate a title",
		"summarize",
		"create a headline",
		"generate title",
	}

	if len(messages) == 0 {
		return false
	}

	lastMsg := messages[len(messages)-1]
	content, ok := lastMsg["content"].(string)
	if !ok {
		return false
	}

	content = strings.ToLower(content)
	for _, pattern := range backgroundPatterns {
		if strings.Contains(content, pattern) {
			return true
		}
	}

	return false
}

// GetLightModel returns a lightweight model for background tasks.
func (r *Router) GetLightModel() string {
	return "gemini-2.0-flash"
}
