package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: jmri.local\nport: 8080\naddress_a: 3\n"), 0o644))

	cfg, err := loadConfig([]string{"-c", path, "-p", "12090", "-b", "7"})
	require.NoError(t, err)
	require.Equal(t, "jmri.local", cfg.Host)
	require.Equal(t, 12090, cfg.Port)
	require.Equal(t, 3, cfg.AddressA)
	require.Equal(t, 7, cfg.AddressB)
}

func TestLoadConfigExplicitFileMustExist(t *testing.T) {
	_, err := loadConfig([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	_, err := loadConfig([]string{"-p", "70000"})
	require.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:12080/json/", cfg.ServerURL())
	require.Equal(t, 50, cfg.AddressA)
	require.Equal(t, 60, cfg.AddressB)
}

func TestLoadConfigVersion(t *testing.T) {
	cfg, err := loadConfig([]string{"-version"})
	require.NoError(t, err)
	require.Nil(t, cfg)
}
