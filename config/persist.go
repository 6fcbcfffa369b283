package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/seamlessvm/seamless/lock"
	"github.com/seamlessvm/seamless/lock/flock"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
)

// CurrentSchemaVersion is the schema this build reads and writes.
// Version 0 denotes a legacy document: a bare VMConfiguration with no
// schema wrapper.
const CurrentSchemaVersion = 1

// Document is the persisted VM configuration with its schema wrapper.
type Document struct {
	SchemaVersion int                   `json:"schema_version"`
	Configuration types.VMConfiguration `json:"configuration"`
}

// UnsupportedSchemaError is returned when a document was written by a
// newer build. We refuse to guess at fields we do not know.
type UnsupportedSchemaError struct {
	Found     int
	Supported int
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported configuration schema %d (this build supports up to %d)", e.Found, e.Supported)
}

// LoadVMConfiguration reads the persisted VM configuration under flock.
// A missing file yields defaults. An older document is migrated to the
// current schema and rewritten in place; a newer one fails with
// UnsupportedSchemaError.
func LoadVMConfiguration(ctx context.Context, c *Config) (*types.VMConfiguration, error) {
	var conf *types.VMConfiguration
	err := lock.WithLock(ctx, flock.New(c.VMConfigLock()), func() error {
		raw, err := os.ReadFile(c.VMConfigFile()) //nolint:gosec // managed path
		if err != nil {
			if os.IsNotExist(err) {
				conf = types.DefaultVMConfiguration(c.DefaultDiskImage())
				return nil
			}
			return fmt.Errorf("read %s: %w", c.VMConfigFile(), err)
		}

		doc, migrated, err := decodeDocument(raw)
		if err != nil {
			return err
		}
		if migrated {
			if err := utils.AtomicWriteJSON(c.VMConfigFile(), doc); err != nil {
				return fmt.Errorf("rewrite migrated configuration: %w", err)
			}
		}
		conf = &doc.Configuration
		return nil
	})
	return conf, err
}

// SaveVMConfiguration writes the configuration with the current schema
// wrapper, atomically and under flock.
func SaveVMConfiguration(ctx context.Context, c *Config, conf *types.VMConfiguration) error {
	doc := &Document{SchemaVersion: CurrentSchemaVersion, Configuration: *conf}
	return lock.WithLock(ctx, flock.New(c.VMConfigLock()), func() error {
		return utils.AtomicWriteJSON(c.VMConfigFile(), doc)
	})
}

// decodeDocument parses a persisted document, migrating legacy layouts.
// Returns the document and whether it needs rewriting.
func decodeDocument(raw []byte) (*Document, bool, error) {
	// Probe the wrapper first: a legacy file is a bare configuration
	// with no schema_version key.
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, fmt.Errorf("parse configuration: %w", err)
	}

	if probe.SchemaVersion == nil {
		var legacy types.VMConfiguration
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, false, fmt.Errorf("parse legacy configuration: %w", err)
		}
		return &Document{SchemaVersion: CurrentSchemaVersion, Configuration: legacy}, true, nil
	}

	if *probe.SchemaVersion > CurrentSchemaVersion {
		return nil, false, &UnsupportedSchemaError{Found: *probe.SchemaVersion, Supported: CurrentSchemaVersion}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("parse configuration: %w", err)
	}
	migrated := doc.SchemaVersion < CurrentSchemaVersion
	doc.SchemaVersion = CurrentSchemaVersion
	return &doc, migrated, nil
}
