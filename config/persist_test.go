package config

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlessvm/seamless/types"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	conf := DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.RunDir = t.TempDir()
	return conf
}

func TestLoadVMConfigurationDefaults(t *testing.T) {
	conf := testConfig(t)

	vmConf, err := LoadVMConfiguration(context.Background(), conf)
	require.NoError(t, err)

	assert.Equal(t, 4, vmConf.CPUCount)
	assert.Equal(t, 4, vmConf.MemorySizeGB)
	assert.Equal(t, 64, vmConf.Disk.SizeGB)
	assert.Equal(t, types.NetworkModeNAT, vmConf.Network.Mode)
	assert.True(t, vmConf.Streaming.Enabled)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	conf := testConfig(t)
	ctx := context.Background()

	want := types.DefaultVMConfiguration(conf.DefaultDiskImage())
	want.CPUCount = 8
	want.SuspendOnIdleAfterSeconds = 0
	require.NoError(t, SaveVMConfiguration(ctx, conf, want))

	got, err := LoadVMConfiguration(ctx, conf)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The file carries the schema wrapper.
	raw, err := os.ReadFile(conf.VMConfigFile())
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
}

func TestLoadMigratesLegacyDocument(t *testing.T) {
	conf := testConfig(t)
	ctx := context.Background()

	// A legacy file is the bare configuration with no wrapper.
	legacy := types.DefaultVMConfiguration("/legacy/disk.img")
	legacy.CPUCount = 2
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(conf.VMConfigFile(), raw, 0o600))

	got, err := LoadVMConfiguration(ctx, conf)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CPUCount)
	assert.Equal(t, "/legacy/disk.img", got.Disk.Path)

	// The document was rewritten at the current schema.
	rewritten, err := os.ReadFile(conf.VMConfigFile())
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(rewritten, &doc))
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, 2, doc.Configuration.CPUCount)
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	conf := testConfig(t)

	doc := map[string]any{
		"schema_version": CurrentSchemaVersion + 1,
		"configuration":  map[string]any{},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(conf.VMConfigFile(), raw, 0o600))

	_, err = LoadVMConfiguration(context.Background(), conf)
	var unsupported *UnsupportedSchemaError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, CurrentSchemaVersion+1, unsupported.Found)
	assert.Equal(t, CurrentSchemaVersion, unsupported.Supported)
}

func TestLoadRejectsGarbage(t *testing.T) {
	conf := testConfig(t)
	require.NoError(t, os.WriteFile(conf.VMConfigFile(), []byte("{not json"), 0o600))

	_, err := LoadVMConfiguration(context.Background(), conf)
	assert.Error(t, err)
}
