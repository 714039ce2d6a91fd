// Package config builds the immutable agent configuration. The Config value
// is assembled once per process and shared by pointer; nothing mutates it
// after Load returns.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"guidance-agent/internal/domain"
	"guidance-agent/internal/integrations/paramstore"
)

// Getter is satisfied by the paramstore client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Config struct {
	Persona     PersonaConfig         `yaml:"persona"`
	Crisis      CrisisConfig          `yaml:"crisis"`
	Guardrails  GuardrailConfig       `yaml:"guardrails"`
	Model       ModelConfig           `yaml:"model"`
	Title       TitleConfig           `yaml:"title"`
	Quota       QuotaConfig           `yaml:"quota"`
	Notices     NoticeConfig          `yaml:"notices"`
	History     HistoryConfig         `yaml:"history"`
	Tools       map[string]ToolConfig `yaml:"tools"`
	ServiceInfo map[string]string     `yaml:"service_info"`
}

type PersonaConfig struct {
	Web string `yaml:"web"`
	SMS string `yaml:"sms"`
}

type CrisisConfig struct {
	Keywords  []string `yaml:"keywords"`
	Directive string   `yaml:"directive"`
	// Response is the reply used when the model cannot be reached while the
	// crisis directive is active.
	Response string `yaml:"response"`
}

type GuardrailConfig struct {
	Profanity      []string `yaml:"profanity"`
	RedirectPrompt string   `yaml:"redirect_prompt"`
}

type ModelConfig struct {
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// SMS overrides; zero values inherit the web settings.
	SMSTemperature float64 `yaml:"sms_temperature"`
	SMSMaxTokens   int     `yaml:"sms_max_tokens"`
	MaxToolRounds  int     `yaml:"max_tool_rounds"`
}

type TitleConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	MinTurns  int    `yaml:"min_turns"`
}

type QuotaConfig struct {
	FreeSMSMonthly int `yaml:"free_sms_monthly"`
	FreeWebThread  int `yaml:"free_web_thread"`
	NudgeLimit     int `yaml:"nudge_limit"`
}

type NoticeConfig struct {
	Welcome      string `yaml:"welcome"`
	LastFree     string `yaml:"last_free"`
	WebLastFree  string `yaml:"web_last_free"`
	Exhausted    string `yaml:"exhausted"`
	Subscribe    string `yaml:"subscribe"`
	Fallback     string `yaml:"fallback"`
	Help         string `yaml:"help"`
	Resubscribed string `yaml:"resubscribed"`
}

type HistoryConfig struct {
	ContextWindow int `yaml:"context_window"`
}

type ToolConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Description string `yaml:"description"`
}

// Option adjusts the decoded document before validation.
type Option func(*Config)

// WithContextWindow overrides history.context_window when n is positive.
func WithContextWindow(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.History.ContextWindow = n
		}
	}
}

// Parse overlays a YAML agent document on the defaults, applies opts and
// validates the result.
func Parse(data []byte, opts ...Option) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode agent document: %w", err)
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the agent document from <prefix>/agent_config. A missing
// parameter yields the compiled defaults.
func Load(ctx context.Context, getter Getter, paramPrefix string, opts ...Option) (*Config, error) {
	if getter == nil {
		return nil, errors.New("config: parameter getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("config: parameter prefix must not be empty")
	}
	raw, err := getter.GetParameter(ctx, paramPrefix+"/agent_config")
	switch {
	case errors.Is(err, paramstore.ErrNotFound):
		return Parse(nil, opts...)
	case err != nil:
		return nil, fmt.Errorf("config: load agent document: %w", err)
	}
	return Parse([]byte(raw), opts...)
}

func (c *Config) normalize() {
	for i, k := range c.Crisis.Keywords {
		c.Crisis.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}
	for i, w := range c.Guardrails.Profanity {
		c.Guardrails.Profanity[i] = strings.ToLower(strings.TrimSpace(w))
	}
	if c.Model.SMSTemperature == 0 {
		c.Model.SMSTemperature = c.Model.Temperature
	}
	if c.Model.SMSMaxTokens == 0 {
		c.Model.SMSMaxTokens = c.Model.MaxTokens
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Crisis.Directive) == "" {
		errs = append(errs, errors.New("crisis.directive must not be empty"))
	}
	if len(c.Crisis.Keywords) == 0 {
		errs = append(errs, errors.New("crisis.keywords must not be empty"))
	}
	if strings.TrimSpace(c.Persona.Web) == "" || strings.TrimSpace(c.Persona.SMS) == "" {
		errs = append(errs, errors.New("persona.web and persona.sms must not be empty"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name must not be empty"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, errors.New("model.max_tokens must be positive"))
	}
	if c.Model.MaxToolRounds <= 0 {
		errs = append(errs, errors.New("model.max_tool_rounds must be positive"))
	}
	if c.Quota.FreeSMSMonthly <= 0 || c.Quota.FreeWebThread <= 0 {
		errs = append(errs, errors.New("quota caps must be positive"))
	}
	if c.History.ContextWindow <= 0 {
		errs = append(errs, errors.New("history.context_window must be positive"))
	}
	if strings.TrimSpace(c.Notices.Fallback) == "" {
		errs = append(errs, errors.New("notices.fallback must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid agent document: %w", errors.Join(errs...))
	}
	return nil
}

// PersonaFor returns the base persona for a channel.
func (c *Config) PersonaFor(ch domain.Channel) string {
	if ch == domain.ChannelSMS {
		return c.Persona.SMS
	}
	return c.Persona.Web
}

// FreeCap returns the free-tier cap for a channel.
func (c *Config) FreeCap(ch domain.Channel) int {
	if ch == domain.ChannelSMS {
		return c.Quota.FreeSMSMonthly
	}
	return c.Quota.FreeWebThread
}

// Sampling returns temperature and max tokens for a channel.
func (c *Config) Sampling(ch domain.Channel) (float64, int) {
	if ch == domain.ChannelSMS {
		return c.Model.SMSTemperature, c.Model.SMSMaxTokens
	}
	return c.Model.Temperature, c.Model.MaxTokens
}

// ToolEnabled reports whether a registry tool is exposed to the model.
// Tools are enabled unless the document disables them.
func (c *Config) ToolEnabled(name string) bool {
	tc, ok := c.Tools[name]
	if !ok || tc.Enabled == nil {
		return true
	}
	return *tc.Enabled
}

// ToolDescription returns the configured description override, if any.
func (c *Config) ToolDescription(name, fallback string) string {
	if tc, ok := c.Tools[name]; ok && strings.TrimSpace(tc.Description) != "" {
		return tc.Description
	}
	return fallback
}
