package llm

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
)

// ProviderFactory creates providers from config.
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// DefaultModels maps provider names to their default models.
var DefaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-20250514",
	"openai":     "gpt-4o-mini",
	"openrouter": "openrouter/auto",
	"ollama":     "llama3.2",
	"vllm":       "",
}

// compatible lists OpenAI-compatible services reachable through the openai
// provider with a preset base URL.
var compatible = map[string]struct {
	baseURL     string
	keyRequired bool
}{
	"openrouter": {"https://openrouter.ai/api/v1", true},
	"ollama":     {"http://localhost:11434/v1", false},
	"vllm":       {"http://localhost:8000/v1", false},
}

var registry = map[string]ProviderFactory{}

func init() {
	RegisterProvider("anthropic", func(cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(cfg)
	})
	RegisterProvider("openai", func(cfg ProviderConfig) (Provider, error) {
		return NewOpenAIProvider(cfg)
	})
	for name, c := range compatible {
		RegisterProvider(name, func(cfg ProviderConfig) (Provider, error) {
			if cfg.BaseURL == "" {
				cfg.BaseURL = c.baseURL
			}
			return newOpenAICompatible(name, cfg, c.keyRequired)
		})
	}
}

// NewProvider creates a provider by name.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s (available: %s)", name, strings.Join(AvailableProviders(), ", "))
	}
	return factory(cfg)
}

// RegisterProvider adds a custom provider factory.
func RegisterProvider(name string, factory ProviderFactory) {
	registry[name] = factory
}

// AvailableProviders returns the registered provider names, sorted.
func AvailableProviders() []string {
	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// IsRegistered returns true if a provider is registered.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// GetDefaultModel returns the default model for a provider.
func GetDefaultModel(provider string) string {
	return DefaultModels[provider]
}

// providerEnvKeys maps provider names to their API key environment variables.
var providerEnvKeys = map[string]string{
	"openrouter": "OPENROUTER_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
}

// APIKeyFromEnv returns the conventional environment API key for provider.
func APIKeyFromEnv(provider string) string {
	if envKey, ok := providerEnvKeys[provider]; ok {
		return os.Getenv(envKey)
	}
	return ""
}

// DetectProvider picks a provider from the API keys present in the
// environment. Priority: OpenAI > Anthropic > OpenRouter > ollama.
func DetectProvider() (provider string, apiKey string) {
	for _, name := range []string{"openai", "anthropic", "openrouter"} {
		if key := APIKeyFromEnv(name); key != "" {
			return name, key
		}
	}
	return "ollama", ""
}

// RequiresAPIKey reports whether the named provider refuses to start without a key.
func RequiresAPIKey(provider string) bool {
	if c, ok := compatible[provider]; ok {
		return c.keyRequired
	}
	return slices.Contains([]string{"openai", "anthropic"}, provider)
}
