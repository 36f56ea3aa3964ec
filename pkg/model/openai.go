package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/httpclient"
	"github.com/meridianhq/meridian/pkg/observability"
)

// OpenAIProvider talks to the OpenAI chat completions API, or any
// OpenAI-compatible endpoint selected via the host config.
type OpenAIProvider struct {
	cfg        *config.ModelProviderConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []Message             `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	TopP           float64               `json:"top_p,omitempty"`
	Stop           []string              `json:"stop,omitempty"`
	Seed           *int                  `json:"seed,omitempty"`
	Stream         bool                  `json:"stream"`
	StreamOptions  *openAIStreamOptions  `json:"stream_options,omitempty"`
	LogProbs       bool                  `json:"logprobs,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage   `json:"message"`
	FinishReason string          `json:"finish_reason"`
	LogProbs     *openAILogProbs `json:"logprobs,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAILogProbs struct {
	Content []openAITokenLogProb `json:"content"`
}

type openAITokenLogProb struct {
	Token   string  `json:"token"`
	LogProb float64 `json:"logprob"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content,omitempty"`
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(cfg *config.ModelProviderConfig) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model provider config cannot be nil")
	}

	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelayMS)*time.Millisecond),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	)

	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: httpClient,
	}, nil
}

func (p *OpenAIProvider) ModelName() string {
	return p.cfg.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

// Generate performs a blocking chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, params *Params) (*Result, error) {
	start := time.Now()

	request := p.buildRequest(messages, params, false)

	response, err := p.makeRequest(ctx, request)
	duration := time.Since(start)

	metrics := observability.GetGlobalMetrics()

	if err != nil {
		metrics.RecordModelCall(ctx, p.cfg.Model, duration, 0, 0, err)
		return nil, err
	}

	if response.Error != nil {
		apiErr := newProviderError("openai", p.cfg.Model, 0, response.Error.Message)
		metrics.RecordModelCall(ctx, p.cfg.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		metrics.RecordModelCall(ctx, p.cfg.Model, duration, 0, 0, ErrNoOutput)
		return nil, fmt.Errorf("model %s: %w", p.cfg.Model, ErrNoOutput)
	}

	choice := response.Choices[0]

	result := &Result{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			TotalTokens:  response.Usage.TotalTokens,
		},
	}

	if choice.LogProbs != nil && len(choice.LogProbs.Content) > 0 {
		result.LogProbs = make([]float64, len(choice.LogProbs.Content))
		for i, tok := range choice.LogProbs.Content {
			result.LogProbs[i] = tok.LogProb
		}
	}

	metrics.RecordModelCall(ctx, p.cfg.Model, duration, result.Usage.InputTokens, result.Usage.OutputTokens, nil)

	return result, nil
}

// GenerateStream performs a streaming chat completion request.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, messages []Message, params *Params) (<-chan Chunk, error) {
	request := p.buildRequest(messages, params, true)

	out := make(chan Chunk, 64)

	go func() {
		defer close(out)

		if err := p.streamRequest(ctx, request, out); err != nil {
			out <- Chunk{Type: ChunkError, Err: err}
		}
	}()

	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, params *Params, stream bool) openAIRequest {
	if params == nil {
		params = &Params{}
	}

	temperature := p.cfg.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}

	topP := p.cfg.TopP
	if params.TopP != nil {
		topP = *params.TopP
	}

	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        topP,
		Seed:        p.cfg.Seed,
		Stream:      stream,
		LogProbs:    params.LogProbs,
	}

	maxTokens := p.cfg.MaxOutputTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}
	if maxTokens > 0 {
		request.MaxTokens = &maxTokens
	}

	if len(params.Stop) > 0 {
		request.Stop = params.Stop
	} else if len(p.cfg.StopSequences) > 0 {
		request.Stop = p.cfg.StopSequences
	}

	if stream {
		request.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	if params.JSONSchema != nil {
		request.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   "response",
				Schema: params.JSONSchema,
				Strict: true,
			},
		}
	}

	return request
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	return req, nil
}

// parseErrorBody extracts a structured API error from a response body.
func parseErrorBody(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		message := string(body)
		if apiErr := parseErrorBody(body); apiErr != nil {
			message = apiErr.Message
		}
		return newProviderError("openai", p.cfg.Model, resp.StatusCode, message)
	}
	if err != nil {
		return &ProviderError{
			Provider: "openai",
			Model:    p.cfg.Model,
			Message:  err.Error(),
			Err:      ErrUnavailable,
		}
	}
	if resp == nil {
		return &ProviderError{
			Provider: "openai",
			Model:    p.cfg.Model,
			Message:  "no response received",
			Err:      ErrUnavailable,
		}
	}
	return nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := p.newHTTPRequest(ctx, "/chat/completions", request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if checkErr := p.checkResponse(resp, err); checkErr != nil {
		return nil, checkErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, request openAIRequest, out chan<- Chunk) error {
	req, err := p.newHTTPRequest(ctx, "/chat/completions", request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if checkErr := p.checkResponse(resp, err); checkErr != nil {
		return checkErr
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	var usage Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return newProviderError("openai", p.cfg.Model, 0, streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			usage = Usage{
				InputTokens:  streamResp.Usage.PromptTokens,
				OutputTokens: streamResp.Usage.CompletionTokens,
				TotalTokens:  streamResp.Usage.TotalTokens,
			}
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case out <- Chunk{Type: ChunkText, Text: choice.Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	out <- Chunk{Type: ChunkDone, Usage: usage}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
