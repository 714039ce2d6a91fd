// Package tools holds the fixed set of tools the model may call during
// generation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
)

const (
	ServiceInfo   = "lookup_service_info"
	CallerProfile = "lookup_caller_profile"
)

// ErrUnknownTool is returned for calls outside the registry.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Caller is the per-request context a tool may read.
type Caller struct {
	ThreadKey string
	Channel   domain.Channel
	Profile   *domain.Profile
}

type handler func(ctx context.Context, r *Registry, caller Caller, args json.RawMessage) (string, error)

type tool struct {
	descriptor domain.ToolDescriptor
	run        handler
}

// builtins is the closed tool set.
var builtins = map[string]tool{
	ServiceInfo: {
		descriptor: domain.ToolDescriptor{
			Name:        ServiceInfo,
			Description: "Look up facts about the service itself: pricing, how to use it, contact details or features.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "One of pricing, usage, contact, features. Omit for everything.",
					},
				},
			},
		},
		run: runServiceInfo,
	},
	CallerProfile: {
		descriptor: domain.ToolDescriptor{
			Name:        CallerProfile,
			Description: "Look up the current person's first name, preferred Bible translation and plan.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		run: runCallerProfile,
	},
}

// Registry dispatches tool calls. It is immutable after NewRegistry.
type Registry struct {
	tools       map[string]tool
	names       []string
	serviceInfo map[string]string
}

// NewRegistry returns the tools enabled by cfg, with any configured
// description overrides applied.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{tools: make(map[string]tool, len(builtins))}
	for name, t := range builtins {
		if cfg != nil && !cfg.ToolEnabled(name) {
			continue
		}
		if cfg != nil {
			t.descriptor.Description = cfg.ToolDescription(name, t.descriptor.Description)
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	if cfg != nil {
		r.serviceInfo = cfg.ServiceInfo
	}
	return r
}

// Descriptors lists the enabled tools in name order.
func (r *Registry) Descriptors() []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].descriptor)
	}
	return out
}

// Execute runs one tool call and returns its textual result.
func (r *Registry) Execute(ctx context.Context, caller Caller, call domain.ToolCall) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("tools: %s: arguments are not valid JSON", call.Name)
	}
	out, err := t.run(ctx, r, caller, args)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", call.Name, err)
	}
	return out, nil
}

func runServiceInfo(_ context.Context, r *Registry, _ Caller, args json.RawMessage) (string, error) {
	var in struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if len(r.serviceInfo) == 0 {
		return "", errors.New("no service information configured")
	}

	topics := make([]string, 0, len(r.serviceInfo))
	for k := range r.serviceInfo {
		topics = append(topics, k)
	}
	sort.Strings(topics)

	topic := strings.ToLower(strings.TrimSpace(in.Topic))
	if topic == "" {
		var b strings.Builder
		for _, k := range topics {
			fmt.Fprintf(&b, "%s: %s\n", k, r.serviceInfo[k])
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	if fact, ok := r.serviceInfo[topic]; ok {
		return fact, nil
	}
	return fmt.Sprintf("No information about %q. Available topics: %s.", topic, strings.Join(topics, ", ")), nil
}

func runCallerProfile(_ context.Context, _ *Registry, caller Caller, _ json.RawMessage) (string, error) {
	if caller.Profile == nil {
		return `{"registered":false}`, nil
	}
	p := caller.Profile
	out := struct {
		Registered  bool   `json:"registered"`
		FirstName   string `json:"firstName,omitempty"`
		Translation string `json:"preferredTranslation,omitempty"`
		Plan        string `json:"plan,omitempty"`
		Subscribed  bool   `json:"subscribed"`
	}{
		Registered:  true,
		FirstName:   p.FirstName,
		Translation: p.Translation,
		Plan:        p.Plan,
		Subscribed:  p.Subscription.Paid,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(raw), nil
}
