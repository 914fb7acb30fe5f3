package provider

import (
	"sync"

	"go.uber.org/zap"
)

// AdaptorInfo describes a registered provider type for UI discovery.
type AdaptorInfo struct {
	Type        string `json:"type"`         // "airtable", "csv", "cms", ...
	DisplayName string `json:"display_name"` // "Airtable"
	Description string `json:"description"`
	// SupportsWebhooks tells the UI whether incremental sync is available.
	SupportsWebhooks bool `json:"supports_webhooks"`
}

// Deps are the shared dependencies handed to every adaptor factory.
type Deps struct {
	Client *Client
	Logger *zap.Logger
}

// AdaptorRegistration contains info plus the factory for creating adaptors.
type AdaptorRegistration struct {
	Info    AdaptorInfo
	Factory func(config map[string]any, deps Deps) (Adaptor, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdaptorRegistration)
)

// Register is called by each adaptor's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdaptorRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdaptors returns info for all registered provider types.
func RegisteredAdaptors() []AdaptorInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdaptorInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	return result
}

// GetFactory returns the factory for a provider type, or nil if the type is
// not registered.
func GetFactory(providerType string) func(config map[string]any, deps Deps) (Adaptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[providerType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if a provider type is available.
func IsRegistered(providerType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[providerType]
	return ok
}
