// Package checkpoint persists intermediate snapshots so long computations can
// resume after the process is killed.
package checkpoint

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"capcluster/internal/models"
)

// Store is a byte-oriented key-value store for snapshots.
type Store interface {
	// Load returns the value stored under key. found is false when absent.
	Load(key string) (value []byte, found bool, err error)

	// Save replaces the value stored under key.
	Save(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	Close() error
}

// Config selects and configures a checkpoint engine.
type Config struct {
	// Engine is "file" or "badger"
	Engine string `yaml:"engine" toml:"engine"`

	// Path is the directory holding checkpoint data
	Path string `yaml:"path" toml:"path"`

	// InMemory keeps badger data in memory only; used by tests
	InMemory bool `yaml:"inMemory" toml:"in_memory"`
}

// Open returns the store named by cfg.Engine.
func Open(cfg Config, log logrus.FieldLogger) (Store, error) {
	switch cfg.Engine {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "badger":
		return OpenBadger(cfg.Path, cfg.InMemory, log)
	}
	return nil, fmt.Errorf("%w: unknown checkpoint engine %q", models.ErrInvalidConfiguration, cfg.Engine)
}
