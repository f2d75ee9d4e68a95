package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_path: ./warehouse.log
server:
  listen: 0.0.0.0:9000
  external_hostname: warehouse.example.org
database:
  driver: sqlite
  sqlite:
    path: ./test.db
sites:
  - name: torrentleech.org
    username: alice
    password: hunter2
    options:
      base_url: https://tl.example.org
transmission:
  url: http://daemon:9091/transmission/rpc
  username: transmission
  password: secret
subscriptions:
  interval: 2m
disk_space:
  enabled: true
  path: /srv/downloads
  minimum: 50GiB
  interval: 30s
torrent_size_limit: 10GiB
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "warehouse.example.org", cfg.Server.ExternalHostname)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./test.db", cfg.Database.SQLite.Path)
	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "torrentleech.org", cfg.Sites[0].Name)
	assert.Equal(t, "hunter2", cfg.Sites[0].Password)
	assert.Equal(t, "https://tl.example.org", cfg.Sites[0].Options["base_url"])
	assert.Equal(t, 2*time.Minute, MustDuration(cfg.Subscriptions.Interval))
	assert.Equal(t, int64(50)<<30, MustSize(cfg.DiskSpace.Minimum))
	assert.Equal(t, int64(10)<<30, MustSize(cfg.TorrentSizeLimit))

	// Defaults for keys absent from the file.
	assert.Equal(t, DefaultSessionMaxAge, cfg.Sessions.MaxAge)
	assert.Equal(t, DefaultMaxSessionsPerUser, cfg.Sessions.MaxPerUser)
	assert.Equal(t, "30s", cfg.Transmission.Timeout)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.Server.RateLimit.Login.RequestsPerMinute)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	path := writeConfig(t, testConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "string override - listen",
			envVars: map[string]string{
				"WAREHOUSE_SERVER_LISTEN": "127.0.0.1:1234",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "127.0.0.1:1234", cfg.Server.Listen)
			},
		},
		{
			name: "override of a key absent from the file",
			envVars: map[string]string{
				"WAREHOUSE_SESSIONS_MAX_PER_USER": "5",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5, cfg.Sessions.MaxPerUser)
			},
		},
		{
			name: "boolean override - disk space disabled",
			envVars: map[string]string{
				"WAREHOUSE_DISK_SPACE_ENABLED": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.DiskSpace.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, testConfig))
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "missing external hostname",
			mutate:  func(cfg *Config) { cfg.Server.ExternalHostname = "" },
			wantErr: "external_hostname",
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mongodb" },
			wantErr: "unsupported database driver",
		},
		{
			name: "duplicate site",
			mutate: func(cfg *Config) {
				cfg.Sites = append(cfg.Sites, cfg.Sites[0])
			},
			wantErr: "duplicate name",
		},
		{
			name:    "bad size limit",
			mutate:  func(cfg *Config) { cfg.TorrentSizeLimit = "lots" },
			wantErr: "torrent_size_limit",
		},
		{
			name:    "bad interval",
			mutate:  func(cfg *Config) { cfg.Subscriptions.Interval = "-1s" },
			wantErr: "subscriptions.interval",
		},
		{
			name:    "disk space without minimum",
			mutate:  func(cfg *Config) { cfg.DiskSpace.Minimum = "" },
			wantErr: "disk_space.minimum",
		},
		{
			name:    "archive without bucket",
			mutate:  func(cfg *Config) { cfg.Archive = ArchiveConfig{Enabled: true} },
			wantErr: "archive.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{input: "1GiB", expected: 1 << 30},
		{input: "25GB", expected: 25 << 30},
		{input: "512MB", expected: 512 << 20},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			n, err := ParseSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.Equal(t, int64(25)<<30, MustSize("25GiB"))
	assert.Equal(t, 5*time.Minute, MustDuration("5m"))

	assert.Panics(t, func() { MustSize("lots") })
	assert.Panics(t, func() { MustDuration("") })
	assert.Panics(t, func() { MustDuration("-1s") })
}

func TestTransmissionConfig_RequestTimeout(t *testing.T) {
	assert.Zero(t, (&TransmissionConfig{}).RequestTimeout())
	assert.Equal(t, 45*time.Second, (&TransmissionConfig{Timeout: "45s"}).RequestTimeout())
}
