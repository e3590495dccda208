package registration

import (
	"context"
	"sync"

	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/orchestration"
)

// CreateRequest is one product-creation call to a platform API.
type CreateRequest struct {
	Item           orchestration.Item
	Payload        map[string]interface{}
	Account        *Account
	IdempotencyKey string
}

// CreateResponse is the decoded platform reply. Raw keeps the undecoded body
// so platform-specific extractors can pull their id field out of it.
type CreateResponse struct {
	Raw        map[string]interface{}
	StatusCode int
}

// PlatformAdapter is the transport seam to one platform's API. Errors must be
// classified through the core sentinels (see Classify) so the retry policy
// can tell transient from permanent.
type PlatformAdapter interface {
	Platform() string
	CreateProduct(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	GetProduct(ctx context.Context, account *Account, platformProductID string) (*CreateResponse, error)
}

// AdapterRegistry holds the configured platform adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]PlatformAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]PlatformAdapter)}
}

// Register binds an adapter to its platform name.
func (r *AdapterRegistry) Register(adapter PlatformAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Platform()] = adapter
}

// Get returns the adapter for a platform.
func (r *AdapterRegistry) Get(platform string) (PlatformAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, &core.PipelineError{
			Op:      "adapters.Get",
			Kind:    "platform",
			ID:      platform,
			Message: "no adapter registered for platform " + platform,
		}
	}
	return adapter, nil
}

// Platforms lists the registered platform names.
func (r *AdapterRegistry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
