package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhq/meridian/pkg/httpclient"
)

// WebSearchDescriptor is the canonical descriptor for the builtin
// web_search tool. Research steps select it for business-search intents.
var WebSearchDescriptor = Descriptor{
	Name:        "web_search",
	Description: "Searches the web and returns ranked results with snippets.",
	ParameterSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"count": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"],
		"additionalProperties": false
	}`),
	TimeoutMS:   8000,
	Idempotent:  true,
	SideEffects: SideEffectsRead,
}

// SearchHit is one result from the search upstream.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []SearchHit `json:"results"`
}

// WebSearchTool queries an HTTP search upstream that speaks a minimal
// results-array JSON shape.
type WebSearchTool struct {
	endpoint string
	apiKey   string
	client   *httpclient.Client
}

// NewWebSearchTool builds the tool against the given upstream endpoint.
func NewWebSearchTool(endpoint, apiKey string) *WebSearchTool {
	return &WebSearchTool{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	if t.endpoint == "" {
		return Result{}, NewError("web_search", KindUpstreamError, "search endpoint is not configured", nil)
	}

	query, _ := params["query"].(string)
	count := 5
	if c, ok := params["count"]; ok {
		switch v := c.(type) {
		case int:
			count = v
		case float64:
			count = int(v)
		}
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return Result{}, NewError("web_search", KindInternal, "invalid endpoint", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, NewError("web_search", KindInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{}, NewError("web_search", KindUpstreamError,
				fmt.Sprintf("search upstream returned status %d", resp.StatusCode), nil)
		}
	}
	if err != nil {
		return Result{}, NewError("web_search", KindUpstreamError, "search request failed", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, NewError("web_search", KindUpstreamError, "read response", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, NewError("web_search", KindUpstreamError, "malformed search response", err)
	}
	if len(parsed.Results) > count {
		parsed.Results = parsed.Results[:count]
	}

	var sb strings.Builder
	for i, hit := range parsed.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, hit.Title, hit.URL, hit.Snippet)
	}

	return Result{
		Content: strings.TrimSpace(sb.String()),
		Output:  parsed.Results,
	}, nil
}
