package persist

import (
	"fmt"
)

// StoreType identifies a storage backend.
type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// NewStore is the factory for storage backends.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
