package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsReturnsNilForEmptyPath(t *testing.T) {
	seeds, err := loadSeeds("")
	require.NoError(t, err)
	assert.Nil(t, seeds)
}

func TestLoadSeedsParsesYAMLDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seeds.yaml")
	doc := "seeds:\n  - address: 203.0.113.1\n    port: 9001\n  - address: 203.0.113.2\n    port: 9002\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	seeds, err := loadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "203.0.113.1", seeds[0].Address)
	assert.EqualValues(t, 9001, seeds[0].Port)
	assert.Equal(t, "203.0.113.2", seeds[1].Address)
	assert.EqualValues(t, 9002, seeds[1].Port)
}

func TestLoadSeedsRejectsMissingFile(t *testing.T) {
	_, err := loadSeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadOrCreateIdentityGeneratesAndPersistsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.enc")

	id, err := loadOrCreateIdentity(path, "correct horse battery staple")
	require.NoError(t, err)
	require.NotNil(t, id)

	reloaded, err := loadOrCreateIdentity(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, id.Mnemonic, reloaded.Mnemonic)
	assert.Equal(t, id.KeyPair.Public, reloaded.KeyPair.Public)
}

func TestLoadOrCreateIdentityRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.enc")

	_, err := loadOrCreateIdentity(path, "correct horse battery staple")
	require.NoError(t, err)

	_, err = loadOrCreateIdentity(path, "wrong passphrase entirely")
	assert.Error(t, err)
}

func TestResolvePassphrasePrefersFlagOverEnv(t *testing.T) {
	t.Setenv("SUSURRI_PASSPHRASE", "from-env")
	cli := &cliConfig{passphrase: "from-flag"}

	got, err := resolvePassphrase(cli)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", got)
}

func TestResolvePassphraseFallsBackToEnv(t *testing.T) {
	t.Setenv("SUSURRI_PASSPHRASE", "from-env")
	cli := &cliConfig{}

	got, err := resolvePassphrase(cli)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}
