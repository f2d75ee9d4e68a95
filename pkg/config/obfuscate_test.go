package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscateRoundTrip(t *testing.T) {
	obfuscated, err := Obfuscate("hunter2")
	require.NoError(t, err)
	assert.True(t, IsObfuscated(obfuscated))
	assert.NotContains(t, obfuscated, "hunter2")

	again, err := Obfuscate(obfuscated)
	require.NoError(t, err)
	assert.Equal(t, obfuscated, again, "already obfuscated values are kept")

	plain, err := Deobfuscate(obfuscated)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	plain, err = Deobfuscate("not obfuscated")
	require.NoError(t, err)
	assert.Equal(t, "not obfuscated", plain)
}

func TestDeobfuscate_Corrupt(t *testing.T) {
	_, err := Deobfuscate(obfuscatedPrefix + "!!!")
	require.Error(t, err)

	_, err = Deobfuscate(obfuscatedPrefix + "AAAA")
	require.Error(t, err)
}

func TestObfuscateFile(t *testing.T) {
	path := writeConfig(t, testConfig)

	changed, err := ObfuscateFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "secret")

	// Second pass has nothing left to do.
	changed, err = ObfuscateFile(path)
	require.NoError(t, err)
	assert.Zero(t, changed)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Sites[0].Password)
	assert.Equal(t, "secret", cfg.Transmission.Password)
}
