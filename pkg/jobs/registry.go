// Package jobs keeps the process-wide set of named job definitions.
//
// Worker processes receive only a job name in their load message, so every
// job that runs with fork > 0 must be registered, typically from an init
// function.
package jobs

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nemanja-m/gobatch/pkg/core"
)

var (
	mu       sync.RWMutex
	registry = make(map[string]core.Definition)
)

func Register(def core.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("job name must not be empty")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[def.Name]; exists {
		return fmt.Errorf("job already registered: %s", def.Name)
	}
	registry[def.Name] = def
	return nil
}

// MustRegister is Register for init functions.
func MustRegister(def core.Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

func Get(name string) (core.Definition, error) {
	mu.RLock()
	defer mu.RUnlock()
	def, exists := registry[name]
	if !exists {
		return core.Definition{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, name)
	}
	return def, nil
}

// List returns the registered job names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
