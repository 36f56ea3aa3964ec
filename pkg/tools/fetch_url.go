package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridianhq/meridian/pkg/httpclient"
)

// FetchURLDescriptor is the canonical descriptor for the builtin
// fetch_url tool. Declared as the fallback target for web_search so a
// research step degrades to fetching a known source directly.
var FetchURLDescriptor = Descriptor{
	Name:        "fetch_url",
	Description: "Fetches the body of an http(s) URL.",
	ParameterSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1}
		},
		"required": ["url"],
		"additionalProperties": false
	}`),
	TimeoutMS:   10000,
	Idempotent:  true,
	SideEffects: SideEffectsRead,
}

// FetchURLTool retrieves a URL with scheme and domain restrictions and a
// response size cap.
type FetchURLTool struct {
	maxResponseSize int64
	deniedDomains   []string
	client          *httpclient.Client
}

// FetchURLOption configures the tool.
type FetchURLOption func(*FetchURLTool)

// WithDeniedDomains blocks fetches whose host matches or is a subdomain
// of any listed domain.
func WithDeniedDomains(domains []string) FetchURLOption {
	return func(t *FetchURLTool) { t.deniedDomains = domains }
}

// WithMaxResponseSize caps the bytes read from the response body.
func WithMaxResponseSize(n int64) FetchURLOption {
	return func(t *FetchURLTool) { t.maxResponseSize = n }
}

func NewFetchURLTool(opts ...FetchURLOption) *FetchURLTool {
	t := &FetchURLTool{
		maxResponseSize: 2 << 20,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchURLTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	raw, _ := params["url"].(string)

	u, err := url.Parse(raw)
	if err != nil {
		return Result{}, NewError("fetch_url", KindInvalidParams, "malformed url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, NewError("fetch_url", KindInvalidParams,
			fmt.Sprintf("unsupported scheme '%s'", u.Scheme), nil)
	}
	if t.denied(u.Hostname()) {
		return Result{}, NewError("fetch_url", KindInvalidParams,
			fmt.Sprintf("domain '%s' is denied", u.Hostname()), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, NewError("fetch_url", KindInternal, "build request", err)
	}

	resp, err := t.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{}, NewError("fetch_url", KindUpstreamError,
				fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
		}
	}
	if err != nil {
		return Result{}, NewError("fetch_url", KindUpstreamError, "request failed", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseSize))
	if err != nil {
		return Result{}, NewError("fetch_url", KindUpstreamError, "read response", err)
	}

	return Result{
		Content: string(body),
		Output: map[string]any{
			"url":          u.String(),
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"bytes":        len(body),
		},
	}, nil
}

func (t *FetchURLTool) denied(host string) bool {
	host = strings.ToLower(host)
	for _, d := range t.deniedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
