package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/stretchr/testify/require"
)

// namedProcessor is a minimal processor for registry tests
type namedProcessor struct {
	name string
}

func (p *namedProcessor) Name() string {
	return p.name
}

func (p *namedProcessor) ProcessBlock(context.Context, *types.Block) error {
	return nil
}

func factoryFor(name string) Factory {
	return func(config.ProcessorConfig, *logger.Logger) (Processor, error) {
		return &namedProcessor{name: name}, nil
	}
}

// resetRegistry clears the factory registry for testing
func resetRegistry() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Factory)
}

func TestRegister(t *testing.T) {
	// Cannot use t.Parallel() because it modifies the global registry

	tests := []struct {
		name          string
		processorType string
		factory       Factory
		setupExisting func()
		lookup        string
		wantName      string
	}{
		{
			name:          "register new processor type",
			processorType: "postgres",
			factory:       factoryFor("postgres"),
			lookup:        "postgres",
			wantName:      "postgres",
		},
		{
			name:          "register with uppercase - stored as lowercase",
			processorType: "Bank-Transfers",
			factory:       factoryFor("bank-transfers"),
			lookup:        "BANK-TRANSFERS",
			wantName:      "bank-transfers",
		},
		{
			name:          "overwrite existing registration",
			processorType: "duplicate",
			factory:       factoryFor("new"),
			setupExisting: func() { Register("duplicate", factoryFor("old")) },
			lookup:        "duplicate",
			wantName:      "new",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetRegistry()
			if tt.setupExisting != nil {
				tt.setupExisting()
			}

			Register(tt.processorType, tt.factory)

			factory := GetFactory(tt.lookup)
			require.NotNil(t, factory)

			p, err := factory(config.ProcessorConfig{}, logger.NewNopLogger())
			require.NoError(t, err)
			require.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestGetFactory(t *testing.T) {
	tests := []struct {
		name          string
		setup         func()
		processorType string
		expectNil     bool
	}{
		{
			name:          "get existing factory",
			setup:         func() { Register("test-type", factoryFor("t")) },
			processorType: "test-type",
		},
		{
			name:          "get with different case",
			setup:         func() { Register("CamelCase", factoryFor("t")) },
			processorType: "camelcase",
		},
		{
			name:          "get non-existent factory",
			setup:         func() {},
			processorType: "does-not-exist",
			expectNil:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetRegistry()
			tt.setup()

			factory := GetFactory(tt.processorType)
			if tt.expectNil {
				require.Nil(t, factory)
			} else {
				require.NotNil(t, factory)
			}
		})
	}
}

func TestListRegistered(t *testing.T) {
	resetRegistry()
	require.Empty(t, ListRegistered())

	Register("Staking", factoryFor("staking"))
	Register("bank", factoryFor("bank"))
	Register("IBC", factoryFor("ibc"))

	require.Equal(t, []string{"bank", "ibc", "staking"}, ListRegistered())
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		cfg         config.ProcessorConfig
		expectError string
		wantName    string
	}{
		{
			name:     "create registered processor",
			setup:    func() { Register("bank", factoryFor("bank")) },
			cfg:      config.ProcessorConfig{Type: "BANK"},
			wantName: "bank",
		},
		{
			name:        "create with unregistered type",
			setup:       func() {},
			cfg:         config.ProcessorConfig{Type: "unregistered"},
			expectError: "unknown processor type",
		},
		{
			name: "factory returns error",
			setup: func() {
				Register("error-type", func(config.ProcessorConfig, *logger.Logger) (Processor, error) {
					return nil, errors.New("factory initialization failed")
				})
			},
			cfg:         config.ProcessorConfig{Type: "error-type"},
			expectError: "factory initialization failed",
		},
		{
			name: "options reach the factory",
			setup: func() {
				Register("options", func(cfg config.ProcessorConfig, _ *logger.Logger) (Processor, error) {
					return &namedProcessor{name: cfg.Options["name"]}, nil
				})
			},
			cfg:      config.ProcessorConfig{Type: "options", Options: map[string]string{"name": "custom"}},
			wantName: "custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetRegistry()
			tt.setup()

			p, err := Create(tt.cfg, logger.NewNopLogger())
			if tt.expectError != "" {
				require.ErrorContains(t, err, tt.expectError)
				require.Nil(t, p)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	resetRegistry()

	const numGoroutines = 10
	const numTypes = 5

	var wg sync.WaitGroup
	for i := range numGoroutines {
		wg.Go(func() {
			Register(fmt.Sprintf("type-%d", i%numTypes), factoryFor("t"))
		})
		wg.Go(func() {
			GetFactory(fmt.Sprintf("type-%d", i%numTypes))
		})
		wg.Go(func() {
			ListRegistered()
		})
	}
	wg.Wait()

	require.Len(t, ListRegistered(), numTypes)
}
