// Package registry holds the static upstream provider configuration.
package registry

import (
	"fmt"
	"os"
)

// Provider describes one upstream OpenAI-compatible endpoint. Immutable
// after load. The credential itself is never stored; EnvVar names the
// environment variable that holds it, resolved at access time.
type Provider struct {
	Name    string `yaml:"name" json:"name"`
	EnvVar  string `yaml:"env_var" json:"env_var"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
}

// Configured reports whether the provider's credential is present. An
// unconfigured provider is skipped by the prober and the router.
func (p Provider) Configured() bool {
	return p.EnvVar != "" && os.Getenv(p.EnvVar) != ""
}

// APIKey resolves the bearer credential from the environment.
func (p Provider) APIKey() string {
	if p.EnvVar == "" {
		return ""
	}
	return os.Getenv(p.EnvVar)
}

// Registry is an ordered, read-only collection of providers. Declared
// order is the router's tie-break order and the prober's probe order.
type Registry struct {
	providers []Provider
	byName    map[string]int
}

// New builds a registry from the declared provider list.
func New(providers []Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be declared")
	}

	byName := make(map[string]int, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name cannot be empty", i)
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url cannot be empty", p.Name)
		}
		if p.Model == "" {
			return nil, fmt.Errorf("provider %s: model cannot be empty", p.Name)
		}
		if _, exists := byName[p.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		byName[p.Name] = i
	}

	list := make([]Provider, len(providers))
	copy(list, providers)

	return &Registry{providers: list, byName: byName}, nil
}

// Defaults returns the built-in provider list used when no providers are
// configured explicitly.
func Defaults() []Provider {
	return []Provider{
		{
			Name:    "deepseek",
			EnvVar:  "OPENAI_API_KEY",
			BaseURL: "https://api.deepseek.com",
			Model:   "deepseek-chat",
		},
		{
			Name:    "siliconflow",
			EnvVar:  "SILICONFLOW_API_KEY",
			BaseURL: "https://api.siliconflow.cn/v1",
			Model:   "deepseek-ai/DeepSeek-V3",
		},
		{
			Name:    "huoshan",
			EnvVar:  "HUOSHAN_API_KEY",
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
			Model:   "ep-20250204220334-l2q5g",
		},
		{
			Name:    "tencent",
			EnvVar:  "TENCENT_API_KEY",
			BaseURL: "https://api.lkeap.cloud.tencent.com/v1",
			Model:   "deepseek-v3",
		},
		{
			Name:    "bailian",
			EnvVar:  "DASHSCOPE_API_KEY",
			BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:   "deepseek-v3",
		},
	}
}

// Providers returns all descriptors in declared order.
func (r *Registry) Providers() []Provider {
	list := make([]Provider, len(r.providers))
	copy(list, r.providers)
	return list
}

// Lookup returns the descriptor for a provider name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Provider{}, false
	}
	return r.providers[i], true
}

// Names returns all provider names in declared order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name
	}
	return names
}

// Len returns the number of declared providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
