package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  port: 9090
  externalHost: cp.example.org
clusters:
  gemini:
    headNode: gemini-login.example.org
    maxSSH: 8
    defaultRelease: "2024.1"
    libraryRoot: /shared/libs
    images:
      "2024.1":
        code: /shared/images/2024.1/code.sif
        rstudio: /shared/images/2024.1/rstudio.sif
        jupyter: /shared/images/2024.1/jupyter.sif
reaper:
  idleMinutes: 30
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	return dir
}

func TestLoadWithPath(t *testing.T) {
	cfg, err := LoadWithPath(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cp.example.org", cfg.Server.ExternalHost)

	gemini, ok := cfg.Clusters["gemini"]
	require.True(t, ok)
	assert.Equal(t, "gemini-login.example.org", gemini.HeadNode)
	assert.Equal(t, 8, gemini.MaxSSH)

	img, err := gemini.Image("", "code")
	require.NoError(t, err)
	assert.Equal(t, "/shared/images/2024.1/code.sif", img)

	_, err = gemini.Image("2099.9", "code")
	assert.Error(t, err)

	// Defaults fill what the file omits.
	assert.Equal(t, 8000, cfg.IDEs["code"].DefaultPort)
	assert.Equal(t, "/code", cfg.IDEs["code"].BasePath)
	assert.Equal(t, 30, cfg.Reaper.IdleMinutes)
	assert.Equal(t, 60, cfg.Reaper.ScanSeconds)
	assert.True(t, cfg.Auth.RevokeOnLogout)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Reaper.IdleMinutes, "reaping defaults to disabled")
}

func TestValidate_BadPort(t *testing.T) {
	_, err := LoadWithPath(writeConfig(t, "server:\n  port: -1\n"))
	assert.Error(t, err)
}

func TestValidate_MissingHeadNode(t *testing.T) {
	_, err := LoadWithPath(writeConfig(t, "clusters:\n  gemini:\n    maxSSH: 2\n"))
	assert.Error(t, err)
}
