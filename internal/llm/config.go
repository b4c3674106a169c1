// Package llm wraps the generative model used to read documents and write
// the analysis sections. Callers pick a model tier rather than a model name.
package llm

// ModelTier represents the capability level of a model
type ModelTier string

const (
	// TierLite is for cheap mechanical work such as document transcription
	TierLite ModelTier = "lite"
	// TierStandard is for the per-stage analysis prompts
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long-context synthesis
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the only supported provider.
const ProviderGemini Provider = "gemini"

// Config maps tiers to model names.
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Temperature float32
}

// DefaultConfig returns the default Gemini configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: 0.1,
	}
}

// NewConfig builds a Gemini configuration from explicit model names. Empty
// names keep the defaults.
func NewConfig(lite, standard, advanced string) *Config {
	cfg := DefaultConfig()
	for tier, model := range map[ModelTier]string{TierLite: lite, TierStandard: standard, TierAdvanced: advanced} {
		if model != "" {
			cfg.Models[tier] = model
		}
	}
	return cfg
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a copy of c with model set for tier.
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	out := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string, len(c.Models)+1),
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		out.Models[k] = v
	}
	out.Models[tier] = model
	return out
}
