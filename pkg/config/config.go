package config

import (
	"fmt"
	"math"
)

// Config is the root configuration document for the runtime.
//
// A loaded Config is immutable: live reload produces a fresh Config and the
// runtime swaps it in for new queries only. In-flight queries keep the
// snapshot they started with.
type Config struct {
	// Name identifies this deployment in logs and metrics.
	Name string `yaml:"name" json:"name"`

	Logger LoggerConfig `yaml:"logger" json:"logger"`
	Server ServerConfig `yaml:"server" json:"server"`

	// Models maps provider names to model provider configurations.
	Models map[string]*ModelProviderConfig `yaml:"models" json:"models"`

	// DefaultModel names the provider used when an agent has no preference.
	DefaultModel string `yaml:"default_model" json:"default_model"`

	Embedder EmbedderConfig `yaml:"embedder" json:"embedder"`

	Query QueryConfig `yaml:"query" json:"query"`
	Plan  PlanConfig  `yaml:"plan" json:"plan"`

	// Agents maps agent names to their descriptors and pool policies.
	Agents map[string]*AgentConfig `yaml:"agents" json:"agents"`

	// Tools holds per-tool overrides (timeouts, enablement) for registered
	// tools. Tool registration itself happens programmatically at startup.
	Tools map[string]*ToolConfig `yaml:"tools" json:"tools"`

	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
	VectorStore VectorStoreConfig `yaml:"vector_store" json:"vector_store"`
	Confidence  ConfidenceConfig  `yaml:"confidence" json:"confidence"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Stream      StreamConfig      `yaml:"stream" json:"stream"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`

	// Profiles holds named delivery profiles; the request may pick one.
	Profiles map[string]*DeliveryProfileConfig `yaml:"profiles" json:"profiles"`

	// DefaultProfile is used when the request names none.
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`

	// FailFast makes startup abort when a dependency (database, vector
	// store) is unreachable instead of degrading.
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
}

// SetDefaults fills in zero values across all sections.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "meridian"
	}
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Query.SetDefaults()
	c.Plan.SetDefaults()
	c.Retrieval.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Confidence.SetDefaults()
	c.Cache.SetDefaults()
	c.Stream.SetDefaults()
	c.Database.SetDefaults()
	c.Embedder.SetDefaults()

	for _, m := range c.Models {
		if m != nil {
			m.SetDefaults()
		}
	}
	for _, a := range c.Agents {
		if a != nil {
			a.SetDefaults(&c.Plan)
		}
	}

	if c.DefaultModel == "" && len(c.Models) == 1 {
		for name := range c.Models {
			c.DefaultModel = name
		}
	}

	if c.Profiles == nil {
		c.Profiles = DefaultDeliveryProfiles()
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = "standard"
	}
}

// Validate checks cross-section invariants. The timeout hierarchy
// (stage <= query deadline, step <= query deadline, tool/model <= step)
// is a hard requirement: a config that violates it is rejected outright.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if err := c.Plan.Validate(); err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}
	if err := c.Confidence.Validate(); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model provider must be configured")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model is required when multiple models are configured")
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("default_model '%s' is not a configured model", c.DefaultModel)
	}
	for name, m := range c.Models {
		if m == nil {
			return fmt.Errorf("model '%s' has no configuration", name)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model '%s': %w", name, err)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for name, a := range c.Agents {
		if a == nil {
			return fmt.Errorf("agent '%s' has no configuration", name)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent '%s': %w", name, err)
		}
		if a.Model != "" {
			if _, ok := c.Models[a.Model]; !ok {
				return fmt.Errorf("agent '%s' references unknown model '%s'", name, a.Model)
			}
		}
	}

	if err := c.validateTimeoutHierarchy(); err != nil {
		return err
	}

	for name, p := range c.Profiles {
		if p == nil {
			return fmt.Errorf("profile '%s' has no configuration", name)
		}
	}
	if _, ok := c.Profiles[c.DefaultProfile]; !ok {
		return fmt.Errorf("default_profile '%s' is not a configured profile", c.DefaultProfile)
	}

	return nil
}

// validateTimeoutHierarchy enforces stage <= query deadline,
// step <= query deadline, and tool/model <= default step timeout.
func (c *Config) validateTimeoutHierarchy() error {
	deadline := c.Query.DeadlineMS

	stageTotal := c.Query.AnalyzeTimeoutMS + c.Query.RouteTimeoutMS + c.Query.PlanTimeoutMS
	if stageTotal >= deadline {
		return fmt.Errorf("timeout hierarchy violated: stage timeouts (%dms) must leave execution budget within query deadline (%dms)", stageTotal, deadline)
	}

	if c.Plan.StepDefaultTimeoutMS > deadline {
		return fmt.Errorf("timeout hierarchy violated: step default timeout (%dms) exceeds query deadline (%dms)", c.Plan.StepDefaultTimeoutMS, deadline)
	}

	for name, m := range c.Models {
		if m == nil {
			continue
		}
		if m.TimeoutMS > c.Plan.StepDefaultTimeoutMS {
			return fmt.Errorf("timeout hierarchy violated: model '%s' timeout (%dms) exceeds step default timeout (%dms)", name, m.TimeoutMS, c.Plan.StepDefaultTimeoutMS)
		}
	}

	for name, t := range c.Tools {
		if t == nil || t.TimeoutMS == 0 {
			continue
		}
		if t.TimeoutMS > c.Plan.StepDefaultTimeoutMS {
			return fmt.Errorf("timeout hierarchy violated: tool '%s' timeout (%dms) exceeds step default timeout (%dms)", name, t.TimeoutMS, c.Plan.StepDefaultTimeoutMS)
		}
	}

	return nil
}

// ValidateToolNames checks that every tool referenced by an agent is
// actually registered. Called after tool registration, not at load time.
func (c *Config) ValidateToolNames(registered []string) error {
	known := make(map[string]bool, len(registered))
	for _, name := range registered {
		known[name] = true
	}

	for agentName, a := range c.Agents {
		if a == nil {
			continue
		}
		for _, tool := range a.Tools {
			if !known[tool] {
				return fmt.Errorf("agent '%s' references unknown tool '%s'", agentName, tool)
			}
		}
	}
	return nil
}

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// BoolPtr returns a pointer to b; convenience for optional config fields.
func BoolPtr(b bool) *bool { return &b }
