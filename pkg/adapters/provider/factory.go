package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
)

// AdaptorFactory creates adaptors from the registry.
type AdaptorFactory interface {
	// New constructs an adaptor for the given provider type and decrypted
	// config. A config the adaptor cannot be built from is a configuration
	// error: fatal for the calling job, never retried.
	New(providerType string, config map[string]any) (Adaptor, error)

	// ListTypes returns info for all registered provider types.
	ListTypes() []AdaptorInfo
}

type registryFactory struct {
	deps Deps
}

// NewAdaptorFactory returns a factory that uses the global registry.
func NewAdaptorFactory(client *Client, logger *zap.Logger) AdaptorFactory {
	return &registryFactory{deps: Deps{Client: client, Logger: logger}}
}

func (f *registryFactory) New(providerType string, config map[string]any) (Adaptor, error) {
	factory := GetFactory(providerType)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedProvider, providerType)
	}
	return factory(config, f.deps)
}

func (f *registryFactory) ListTypes() []AdaptorInfo {
	return RegisteredAdaptors()
}

var _ AdaptorFactory = (*registryFactory)(nil)

// configString reads a required string key from a provider config map.
func configString(config map[string]any, key string) (string, error) {
	v, ok := config[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %q", apperrors.ErrInvalidProviderConfig, key)
	}
	return v, nil
}

// configStringDefault reads an optional string key with a fallback.
func configStringDefault(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// configInt reads an optional integer key with a fallback. JSON decoding
// yields float64 for numbers.
func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
