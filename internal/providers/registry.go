package providers

import (
	"fmt"
	"os"
	"strings"
)

// Options carries resolved credentials and model settings for provider
// construction. Config values win over environment fallbacks.
type Options struct {
	Provider        string // explicit provider name, optional
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
}

// ResolveName maps a model to a provider name: explicit choice wins,
// otherwise claude*/anthropic* models select "anthropic" and everything
// else the OpenAI-compatible transport.
func ResolveName(explicit, model string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return strings.ToLower(p)
	}
	m := strings.ToLower(model)
	switch {
	case m == "":
		return ""
	case strings.HasPrefix(m, "claude") || strings.Contains(m, "anthropic"):
		return "anthropic"
	default:
		return "openai"
	}
}

// Resolve picks and builds the provider for the configured model. Missing
// config keys fall back to the environment: the provider-specific variable
// first, then KESTREL_API_KEY.
func Resolve(opts Options) (Provider, error) {
	name := ResolveName(opts.Provider, opts.Model)
	if name == "" {
		return nil, fmt.Errorf("no provider matched: model is empty")
	}

	switch name {
	case "anthropic":
		key := firstNonEmpty(opts.AnthropicAPIKey, os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("KESTREL_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("no credentials for provider anthropic (set providers.anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		return NewAnthropicProvider(key, opts.Model), nil

	case "openai":
		key := firstNonEmpty(opts.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY"), os.Getenv("KESTREL_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("no credentials for provider openai (set providers.openai.api_key or OPENAI_API_KEY)")
		}
		return NewOpenAIProvider("openai", key, opts.OpenAIBaseURL, opts.Model), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
