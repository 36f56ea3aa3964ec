package config

import (
	"fmt"
	"strings"
)

// ----------------------------------------------------------------------------
// Logger
// ----------------------------------------------------------------------------

type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is one of text, json.
	Format string `yaml:"format" json:"format"`
	// Output is empty for stderr, or a file path.
	Output string `yaml:"output" json:"output"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level '%s' (debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format '%s' (text, json)", c.Format)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Server
// ----------------------------------------------------------------------------

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// ShutdownGraceMS bounds how long in-flight queries get to drain on
	// SIGTERM before they are cancelled.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms" json:"shutdown_grace_ms"`

	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownGraceMS == 0 {
		c.ShutdownGraceMS = 15000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ----------------------------------------------------------------------------
// Model providers
// ----------------------------------------------------------------------------

type ModelProviderConfig struct {
	// Type selects the provider implementation: openai (covers any
	// OpenAI-compatible endpoint) or mock (tests only).
	Type string `yaml:"type" json:"type"`

	Model  string `yaml:"model" json:"model"`
	APIKey string `yaml:"api_key" json:"api_key"`
	Host   string `yaml:"host" json:"host"`

	Temperature     float64  `yaml:"temperature" json:"temperature"`
	TopP            float64  `yaml:"top_p" json:"top_p"`
	MaxOutputTokens int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	StopSequences   []string `yaml:"stop_sequences" json:"stop_sequences"`
	Seed            *int     `yaml:"seed" json:"seed,omitempty"`

	TimeoutMS    int `yaml:"timeout_ms" json:"timeout_ms"`
	MaxRetries   int `yaml:"max_retries" json:"max_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms" json:"retry_delay_ms"`
}

func (c *ModelProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Host == "" && c.Type == "openai" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 1.0
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 2048
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 30000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayMS == 0 {
		c.RetryDelayMS = 1000
	}
}

func (c *ModelProviderConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("top_p %.2f out of range [0,1]", c.TopP)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive")
	}
	return nil
}

type EmbedderConfig struct {
	// Type selects the embedder: openai or mock.
	Type   string `yaml:"type" json:"type"`
	Model  string `yaml:"model" json:"model"`
	APIKey string `yaml:"api_key" json:"api_key"`
	Host   string `yaml:"host" json:"host"`

	// Dimension is fixed per configured model.
	Dimension int `yaml:"dimension" json:"dimension"`

	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Host == "" && c.Type == "openai" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 15000
	}
}

// ----------------------------------------------------------------------------
// Query / Plan
// ----------------------------------------------------------------------------

type QueryConfig struct {
	// DeadlineMS is the hard wall-clock budget for a query end to end.
	DeadlineMS int `yaml:"deadline_ms" json:"deadline_ms"`

	// Per-stage sub-deadlines drawn from the overall deadline.
	AnalyzeTimeoutMS int `yaml:"analyze_timeout_ms" json:"analyze_timeout_ms"`
	RouteTimeoutMS   int `yaml:"route_timeout_ms" json:"route_timeout_ms"`
	PlanTimeoutMS    int `yaml:"plan_timeout_ms" json:"plan_timeout_ms"`

	// TokenBudget caps tokens summed over all model calls for one query.
	TokenBudget int `yaml:"token_budget" json:"token_budget"`

	// ToolCallBudget caps tool invocations for one query.
	ToolCallBudget int `yaml:"tool_call_budget" json:"tool_call_budget"`
}

func (c *QueryConfig) SetDefaults() {
	if c.DeadlineMS == 0 {
		c.DeadlineMS = 60000
	}
	if c.AnalyzeTimeoutMS == 0 {
		c.AnalyzeTimeoutMS = 8000
	}
	if c.RouteTimeoutMS == 0 {
		c.RouteTimeoutMS = 2000
	}
	if c.PlanTimeoutMS == 0 {
		c.PlanTimeoutMS = 5000
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = 32000
	}
	if c.ToolCallBudget == 0 {
		c.ToolCallBudget = 16
	}
}

func (c *QueryConfig) Validate() error {
	if c.DeadlineMS <= 0 {
		return fmt.Errorf("deadline_ms must be positive")
	}
	if c.AnalyzeTimeoutMS <= 0 || c.RouteTimeoutMS <= 0 || c.PlanTimeoutMS <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive")
	}
	if c.ToolCallBudget <= 0 {
		return fmt.Errorf("tool_call_budget must be positive")
	}
	return nil
}

type PlanConfig struct {
	MaxSteps             int `yaml:"max_steps" json:"max_steps"`
	StepDefaultTimeoutMS int `yaml:"step_default_timeout_ms" json:"step_default_timeout_ms"`
	MaxRetries           int `yaml:"max_retries" json:"max_retries"`
}

func (c *PlanConfig) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = 12
	}
	if c.StepDefaultTimeoutMS == 0 {
		c.StepDefaultTimeoutMS = 30000
	}
	// MaxRetries zero is a valid setting; default to 1 only when the
	// whole section is absent is handled by the loader's raw check.
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

func (c *PlanConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive")
	}
	if c.StepDefaultTimeoutMS <= 0 {
		return fmt.Errorf("step_default_timeout_ms must be positive")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

type AgentConfig struct {
	// Kind selects the specialization: analysis, research, synthesis,
	// code, data, writing, tooluse.
	Kind string `yaml:"kind" json:"kind"`

	// Capabilities lists the domains this agent serves, used by routing.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Tools lists tool names the agent may invoke.
	Tools []string `yaml:"tools" json:"tools"`

	// Model names the preferred model provider; empty uses default_model.
	Model string `yaml:"model" json:"model"`

	// Warmup pre-initializes the instance at creation.
	Warmup bool `yaml:"warmup" json:"warmup"`

	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	MinIdle       int `yaml:"min_idle" json:"min_idle"`

	// LeaseWaitMS bounds how long a lease request waits before
	// pool-exhausted is reported.
	LeaseWaitMS int `yaml:"lease_wait_ms" json:"lease_wait_ms"`

	// RetireAfterOps retires an instance after this many operations.
	RetireAfterOps int `yaml:"retire_after_ops" json:"retire_after_ops"`

	// RetireAfterS retires an instance after this many seconds of life.
	RetireAfterS int `yaml:"retire_after_s" json:"retire_after_s"`
}

func (c *AgentConfig) SetDefaults(plan *PlanConfig) {
	if c.Kind == "" {
		c.Kind = "synthesis"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.LeaseWaitMS == 0 {
		c.LeaseWaitMS = 5000
	}
	if c.RetireAfterOps == 0 {
		c.RetireAfterOps = 256
	}
	if c.RetireAfterS == 0 {
		c.RetireAfterS = 1800
	}
}

var validAgentKinds = []string{"analysis", "research", "synthesis", "code", "data", "writing", "tooluse"}

func (c *AgentConfig) Validate() error {
	found := false
	for _, k := range validAgentKinds {
		if c.Kind == k {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid kind '%s' (one of %s)", c.Kind, strings.Join(validAgentKinds, ", "))
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxConcurrent {
		return fmt.Errorf("min_idle must be in [0, max_concurrent]")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Tools
// ----------------------------------------------------------------------------

type ToolConfig struct {
	Enabled   *bool `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutMS int   `yaml:"timeout_ms" json:"timeout_ms"`

	// Endpoint overrides the tool's upstream URL where applicable.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// APIKey authenticates against the tool's upstream where applicable.
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ----------------------------------------------------------------------------
// Retrieval
// ----------------------------------------------------------------------------

type RetrievalConfig struct {
	TopK int `yaml:"top_k" json:"top_k"`

	// CandidateMultiplier controls candidate pool size per backend
	// (top_k x multiplier).
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier"`

	// RRFConstant is the c in 1/(c+rank).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	Rerank RerankConfig `yaml:"rerank" json:"rerank"`

	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

type RerankConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Model names the model provider used for cross-encoder style scoring.
	Model string `yaml:"model" json:"model"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 8
	}
	if c.CandidateMultiplier == 0 {
		c.CandidateMultiplier = 4
	}
	if c.RRFConstant == 0 {
		c.RRFConstant = 60
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.RRFConstant <= 0 {
		return fmt.Errorf("rrf_constant must be positive")
	}
	return nil
}

type VectorStoreConfig struct {
	// Type is chromem (embedded, default) or qdrant.
	Type string `yaml:"type" json:"type"`

	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	EnableTLS *bool  `yaml:"enable_tls" json:"enable_tls,omitempty"`

	// Collection is the corpus collection queried by retrieval.
	Collection string `yaml:"collection" json:"collection"`

	// PersistPath enables file persistence for the embedded store.
	PersistPath string `yaml:"persist_path" json:"persist_path"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "corpus"
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Type {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported type '%s' (chromem, qdrant)", c.Type)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Confidence
// ----------------------------------------------------------------------------

type ConfidenceConfig struct {
	// Buckets maps calibrated-score floors to bucket labels. Keys must be
	// strictly decreasing thresholds when sorted.
	Buckets BucketThresholds `yaml:"buckets" json:"buckets"`

	// Heuristics weights the surface-signal fallback used when the model
	// exposes no log probabilities. Weights must sum to 1.
	Heuristics HeuristicWeights `yaml:"heuristics" json:"heuristics"`

	// CalibrationMinSamples gates the isotonic map: below this count of
	// historical (score, rating) pairs the identity map is used.
	CalibrationMinSamples int `yaml:"calibration_min_samples" json:"calibration_min_samples"`
}

type BucketThresholds struct {
	VeryHigh float64 `yaml:"very_high" json:"very_high"`
	High     float64 `yaml:"high" json:"high"`
	Medium   float64 `yaml:"medium" json:"medium"`
	Low      float64 `yaml:"low" json:"low"`
}

type HeuristicWeights struct {
	Hedging       float64 `yaml:"hedging" json:"hedging"`
	Contradiction float64 `yaml:"contradiction" json:"contradiction"`
	Citation      float64 `yaml:"citation" json:"citation"`
	Evidence      float64 `yaml:"evidence" json:"evidence"`
}

func (c *ConfidenceConfig) SetDefaults() {
	if c.Buckets == (BucketThresholds{}) {
		c.Buckets = BucketThresholds{VeryHigh: 0.85, High: 0.7, Medium: 0.5, Low: 0.3}
	}
	if c.Heuristics == (HeuristicWeights{}) {
		c.Heuristics = HeuristicWeights{Hedging: 0.25, Contradiction: 0.2, Citation: 0.15, Evidence: 0.4}
	}
	if c.CalibrationMinSamples == 0 {
		c.CalibrationMinSamples = 50
	}
}

func (c *ConfidenceConfig) Validate() error {
	b := c.Buckets
	if !(b.VeryHigh > b.High && b.High > b.Medium && b.Medium > b.Low && b.Low > 0) {
		return fmt.Errorf("bucket thresholds must be strictly decreasing and positive")
	}
	if b.VeryHigh > 1 {
		return fmt.Errorf("bucket thresholds must be within (0,1]")
	}

	h := c.Heuristics
	sum := h.Hedging + h.Contradiction + h.Citation + h.Evidence
	if !floatEquals(sum, 1.0) {
		return fmt.Errorf("heuristic weights must sum to 1, got %.3f", sum)
	}
	return nil
}

type DeliveryProfileConfig struct {
	// LowConfidencePreface prepends an uncertainty note for very_low.
	LowConfidencePreface bool `yaml:"low_confidence_preface" json:"low_confidence_preface"`

	// EvidenceSnippets attaches evidence for low (and degraded) responses.
	EvidenceSnippets bool `yaml:"evidence_snippets" json:"evidence_snippets"`

	// Alternatives surfaces alternative phrasings for very_low.
	Alternatives bool `yaml:"alternatives" json:"alternatives"`
}

func DefaultDeliveryProfiles() map[string]*DeliveryProfileConfig {
	return map[string]*DeliveryProfileConfig{
		"standard": {LowConfidencePreface: true, EvidenceSnippets: true, Alternatives: true},
		"terse":    {LowConfidencePreface: true},
	}
}

// ----------------------------------------------------------------------------
// Cache
// ----------------------------------------------------------------------------

type CacheConfig struct {
	L1        CacheLayerConfig    `yaml:"l1" json:"l1"`
	L2        SemanticCacheConfig `yaml:"l2" json:"l2"`
	Retrieval CacheLayerConfig    `yaml:"retrieval" json:"retrieval"`
	Embedding CacheLayerConfig    `yaml:"embedding" json:"embedding"`
}

type CacheLayerConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Capacity int  `yaml:"capacity" json:"capacity"`
	TTLMS    int  `yaml:"ttl_ms" json:"ttl_ms"`
}

type SemanticCacheConfig struct {
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	Capacity int     `yaml:"capacity" json:"capacity"`
	TTLMS    int     `yaml:"ttl_ms" json:"ttl_ms"`
	// Threshold is the cosine similarity floor for a semantic hit.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

func (c *CacheConfig) SetDefaults() {
	if c.L1.Capacity == 0 {
		c.L1.Capacity = 512
	}
	if c.L1.TTLMS == 0 {
		c.L1.TTLMS = 60000
	}
	if c.L2.Capacity == 0 {
		c.L2.Capacity = 256
	}
	if c.L2.TTLMS == 0 {
		c.L2.TTLMS = 300000
	}
	if c.L2.Threshold == 0 {
		c.L2.Threshold = 0.95
	}
	if c.Retrieval.Capacity == 0 {
		c.Retrieval.Capacity = 1024
	}
	if c.Retrieval.TTLMS == 0 {
		c.Retrieval.TTLMS = 300000
	}
	if c.Embedding.Capacity == 0 {
		c.Embedding.Capacity = 8192
	}
	if c.Embedding.TTLMS == 0 {
		c.Embedding.TTLMS = 3600000
	}
}

// ----------------------------------------------------------------------------
// Stream
// ----------------------------------------------------------------------------

type StreamConfig struct {
	// ReplayWindow bounds how many events are kept for reconnect replay.
	ReplayWindow int `yaml:"replay_window" json:"replay_window"`

	// ReplayTTLMS bounds replay by age; the smaller of the two wins.
	ReplayTTLMS int `yaml:"replay_ttl_ms" json:"replay_ttl_ms"`

	// SubscriberBuffer is the per-subscriber channel depth before
	// progress coalescing kicks in.
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriber_buffer"`
}

func (c *StreamConfig) SetDefaults() {
	if c.ReplayWindow == 0 {
		c.ReplayWindow = 256
	}
	if c.ReplayTTLMS == 0 {
		c.ReplayTTLMS = 120000
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
}

func (c *StreamConfig) Validate() error {
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay_window must be positive")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Database
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	// Driver is sqlite (default), postgres, or mysql.
	Driver string `yaml:"driver" json:"driver"`

	// Path is the sqlite database file; ":memory:" for ephemeral.
	Path string `yaml:"path" json:"path"`

	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`

	MaxConns int `yaml:"max_conns" json:"max_conns"`
	MaxIdle  int `yaml:"max_idle" json:"max_idle"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "meridian.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver '%s' (sqlite, postgres, mysql)", c.Driver)
	}
	if c.Driver != "sqlite" {
		if c.Host == "" || c.Name == "" {
			return fmt.Errorf("host and name are required for %s", c.Driver)
		}
	}
	return nil
}

// DriverName maps the config driver to the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		return c.Path
	}
}
