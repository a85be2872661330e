// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dflexy/metarr/internal/domain"
)

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{
			name:           "toml_file_extension",
			input:          "/path/to/custom.toml",
			expectedSuffix: "custom.toml",
		},
		{
			name:           "TOML_file_extension_uppercase",
			input:          "/path/to/CONFIG.TOML",
			expectedSuffix: "CONFIG.TOML",
		},
		{
			name:           "directory_path",
			input:          "/path/to/config",
			expectedSuffix: "config.toml",
		},
		{
			name:           "existing_file_without_toml",
			input:          "/path/to/configfile",
			setupFile:      true,
			fileIsDir:      false,
			expectedSuffix: "configfile",
		},
		{
			name:           "existing_directory",
			input:          "/path/to/configdir",
			setupFile:      true,
			fileIsDir:      true,
			expectedSuffix: "config.toml",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					err := os.MkdirAll(inputPath, 0o755)
					require.NoError(t, err)
				} else {
					err := os.WriteFile(inputPath, []byte("test"), 0o644)
					require.NoError(t, err)
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewLoadsConfigFromFileOrDirectory(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (inputPath string, expectedHost string, expectedPort int)
	}{
		{
			name: "config_file_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int) {
				configPath := filepath.Join(tmpDir, "myconfig.toml")
				content := "host = \"localhost\"\nport = 8080\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "localhost", 8080
			},
		},
		{
			name: "config_directory_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int) {
				configDir := filepath.Join(tmpDir, "configdir")
				require.NoError(t, os.MkdirAll(configDir, 0o755))
				content := "host = \"0.0.0.0\"\nport = 9090\n"
				require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
				return configDir, "0.0.0.0", 9090
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath, expectedHost, expectedPort := tt.prepare(t, tmpDir)

			cfg, err := New(inputPath)
			require.NoError(t, err)

			assert.Equal(t, expectedHost, cfg.Config.Host)
			assert.Equal(t, expectedPort, cfg.Config.Port)
		})
	}
}

func TestNewCreatesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	// Generated file must exist and round-trip through the loader
	_, statErr := os.Stat(filepath.Join(tmpDir, "config.toml"))
	require.NoError(t, statErr)

	assert.Equal(t, 7430, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
}

func TestDefaultsCoverResolverSections(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "https://itorrents.org", cfg.Config.Mirror.BaseURL)
	assert.Equal(t, int64(128), cfg.Config.Mirror.MaxConcurrent)
	assert.Equal(t, 150*time.Millisecond, cfg.Config.Mirror.RateInterval())
	assert.Equal(t, 168*time.Hour, cfg.Config.Mirror.PositiveTTL())
	assert.Equal(t, 300*time.Second, cfg.Config.Mirror.OverloadTTL())

	assert.Equal(t, 3, cfg.Config.Breaker.TimeoutThreshold)
	assert.Equal(t, 5, cfg.Config.Breaker.OverloadThreshold)
	assert.Equal(t, time.Minute, cfg.Config.Breaker.Cooldown())

	assert.Equal(t, 500*time.Millisecond, cfg.Config.Tracker.ScrapeTimeout())
	assert.Equal(t, 30, cfg.Config.Tracker.MaxWorkers)
	assert.NotEmpty(t, cfg.Config.Tracker.ListSources)

	assert.Equal(t, 1000, cfg.Config.LocalCache.Size)
	assert.Equal(t, time.Minute, cfg.Config.LocalCache.TTL())
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := "host = \"localhost\"\nport = 8080\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	t.Setenv(envPrefix+"PORT", "9999")
	t.Setenv(envPrefix+"MIRROR_BASE_URL", "https://mirror.example.org")
	t.Setenv(envPrefix+"TRACKER_MAX_WORKERS", "4")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Config.Port)
	assert.Equal(t, "https://mirror.example.org", cfg.Config.Mirror.BaseURL)
	assert.Equal(t, 4, cfg.Config.Tracker.MaxWorkers)
}

func TestRedisPasswordFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("host = \"localhost\"\n"), 0o644))

	secretPath := filepath.Join(tmpDir, "redis-pass.txt")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))

	t.Setenv(envPrefix+"REDIS_PASSWORD_FILE", secretPath)

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Config.RedisPassword)
}

func TestReloadListenerReceivesCopy(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := New(tmpDir)
	require.NoError(t, err)

	var got int
	cfg.RegisterReloadListener(func(c *domain.Config) {
		got = c.Port
	})

	cfg.notifyListeners()
	assert.Equal(t, cfg.Config.Port, got)
}
