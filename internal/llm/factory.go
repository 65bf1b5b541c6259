package llm

import (
	"fmt"
	"os"
	"sync"

	"github.com/ShayCichocki/trunkline/internal/config"
)

// Factory resolves provider names to clients, building each client once.
// An empty provider name resolves to the default provider, falling back to
// the fallback provider when the default cannot be constructed.
type Factory struct {
	providers map[string]config.ProviderConfig
	deflt     string
	fallback  string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory creates a factory from the configured providers.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		providers: cfg.LLMProviders,
		deflt:     cfg.DefaultProvider,
		fallback:  cfg.FallbackProvider,
		clients:   make(map[string]*Client),
	}
}

// ClientFor returns the client for a provider name, building it on first use.
func (f *Factory) ClientFor(provider string) (*Client, error) {
	if provider == "" {
		client, err := f.build(f.deflt)
		if err != nil && f.fallback != "" && f.fallback != f.deflt {
			return f.build(f.fallback)
		}
		return client, err
	}
	return f.build(provider)
}

func (f *Factory) build(name string) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("no provider configured")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[name]; ok {
		return client, nil
	}

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not declared", name)
	}
	var apiKey string
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}
	client, err := NewClient(ClientConfig{
		Provider:      name,
		APIKey:        apiKey,
		BaseURL:       pc.BaseURL,
		UseAWSBedrock: pc.Bedrock,
		AWSRegion:     pc.AWSRegion,
		AWSProfile:    pc.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.clients[name] = client
	return client, nil
}
