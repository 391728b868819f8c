package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// WebSearchSchema defines the JSON schema for web_search.
const WebSearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "Search query for public web information"},
    "max_results": {"type": "integer", "minimum": 1, "maximum": 10, "default": 5}
  },
  "required": ["query"],
  "additionalProperties": false
}`

// DefaultTavilyURL is the public Tavily endpoint.
const DefaultTavilyURL = "https://api.tavily.com"

// WebResult is one search hit.
type WebResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// WebSearchResult is the tool output.
type WebSearchResult struct {
	Query   string      `json:"query"`
	Answer  string      `json:"answer,omitempty"`
	Results []WebResult `json:"results"`
	Cached  bool        `json:"cached,omitempty"`
}

type tavilyRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string      `json:"answer"`
	Results []WebResult `json:"results"`
}

// WebSearchConfig configures the Tavily client.
type WebSearchConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	CacheTTL   time.Duration
}

// WebSearchTool queries Tavily and memoizes answers in the shared cache.
type WebSearchTool struct {
	http       *resty.Client
	cache      ports.Cache
	maxResults int
	ttl        time.Duration
}

// NewWebSearchTool creates the tool. cache may be nil.
func NewWebSearchTool(cfg WebSearchConfig, cache ports.Cache) *WebSearchTool {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultTavilyURL
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > 10 {
		cfg.MaxResults = 5
	}
	client := resty.New().
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.APIKey).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r.StatusCode() >= 500
	})
	return &WebSearchTool{http: client, cache: cache, maxResults: cfg.MaxResults, ttl: cfg.CacheTTL}
}

func (t *WebSearchTool) Name() ports.ToolName { return ports.ToolWebSearch }

func (t *WebSearchTool) Description() string {
	return "Search the public web for recent or external information not stored in ICONNET systems."
}

func (t *WebSearchTool) Schema() []byte { return []byte(WebSearchSchema) }

func (t *WebSearchTool) Timeout() time.Duration { return 20 * time.Second }

func (t *WebSearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	query := strings.Join(strings.Fields(params.Query), " ")
	if query == "" {
		return nil, &ports.InvalidArgumentsError{Reason: "query is required"}
	}
	n := params.MaxResults
	if n <= 0 || n > 10 {
		n = t.maxResults
	}

	key := fmt.Sprintf("web_search:%d:%s", n, strings.ToLower(query))
	if t.cache != nil {
		if raw, ok := t.cache.Get(ctx, key); ok {
			var cached WebSearchResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Cached = true
				return cached, nil
			}
		}
	}

	var body tavilyResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(tavilyRequest{Query: query, MaxResults: n, SearchDepth: "basic", IncludeAnswer: true}).
		SetResult(&body).
		Post("/search")
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("web search failed: status %d: %s", resp.StatusCode(), truncateBody(resp.String()))
	}

	out := WebSearchResult{Query: query, Answer: body.Answer, Results: body.Results}
	if out.Results == nil {
		out.Results = []WebResult{}
	}
	if len(out.Results) > n {
		out.Results = out.Results[:n]
	}
	if t.cache != nil && t.ttl > 0 {
		if raw, err := json.Marshal(out); err == nil {
			_ = t.cache.Set(ctx, key, raw, t.ttl)
		}
	}
	return out, nil
}

func truncateBody(s string) string {
	const limit = 200
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit]) + "..."
}

var _ ports.Tool = (*WebSearchTool)(nil)
