package indexer

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
)

// Factory is a function that creates a new processor instance.
type Factory func(cfg config.ProcessorConfig, log *logger.Logger) (Processor, error)

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register registers a processor factory with the given type name.
// This is typically called in init() functions of processor packages.
// The type name is case-insensitive and will be stored in lowercase.
func Register(processorType string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	name := strings.ToLower(processorType)
	if _, exists := registry[name]; exists {
		logger.GetDefaultLogger().Infof("processor with name %s already in processor registry. "+
			"It will be overwritten.", name)
	}

	registry[name] = factory
}

// GetFactory returns the factory for the given processor type.
// Returns nil if the type is not registered.
// The lookup is case-insensitive.
func GetFactory(processorType string) Factory {
	mu.RLock()
	defer mu.RUnlock()
	return registry[strings.ToLower(processorType)]
}

// ListRegistered returns the registered processor types in alphabetical order.
func ListRegistered() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for t := range registry {
		names = append(names, t)
	}
	slices.Sort(names)
	return names
}

// Create creates a new processor instance using the registered factory.
// Returns an error if the type is not registered or if creation fails.
// The type lookup is case-insensitive.
func Create(cfg config.ProcessorConfig, log *logger.Logger) (Processor, error) {
	factory := GetFactory(cfg.Type)
	if factory == nil {
		return nil, fmt.Errorf("unknown processor type: %s (registered types: %v)", cfg.Type, ListRegistered())
	}

	return factory(cfg, log)
}
