package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
redis: redis://localhost:6379/0
database: /var/lib/irgsh/composer/composer.db
koji:
  hub: https://koji.example.org/kojihub
  user: composer
compose:
  workdir: /var/lib/irgsh/composer
  tool: /usr/bin/pungi-koji
  config_dir: /etc/irgsh/pungi
  staging_root: /mnt/koji/compose/updates
  publish_root: /srv/pub/updates
  max_parallel: 2
  arches: [x86_64, aarch64]
notification:
  webhook_url: https://hooks.example.org/irgsh
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig), false)
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis)
	assert.Equal(t, "https://koji.example.org/kojihub", cfg.Koji.Hub)
	assert.Equal(t, 2, cfg.Compose.MaxParallel)
	assert.Equal(t, []string{"x86_64", "aarch64"}, cfg.Compose.Arches)
	assert.Equal(t, "Everything", cfg.Compose.Variant)
	assert.Equal(t, "irgsh", cfg.Agent)
	assert.Equal(t, "amq.topic", cfg.Notification.Exchange)
	assert.Equal(t, 5, cfg.Koji.TaskPollInterval)
	assert.Equal(t, float64(6), cfg.Compose.TimeoutDuration().Hours())
	assert.False(t, cfg.IsDev)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing koji hub", `
redis: redis://localhost:6379/0
database: /tmp/c.db
compose: {workdir: /tmp, tool: /bin/true, config_dir: /tmp, staging_root: /tmp, publish_root: /tmp, arches: [x86_64]}
`},
		{"negative parallelism", `
redis: redis://localhost:6379/0
database: /tmp/c.db
koji: {hub: "https://koji.example.org/kojihub"}
compose: {workdir: /tmp, tool: /bin/true, config_dir: /tmp, staging_root: /tmp, publish_root: /tmp, arches: [x86_64], max_parallel: -1}
`},
		{"no arches", `
redis: redis://localhost:6379/0
database: /tmp/c.db
koji: {hub: "https://koji.example.org/kojihub"}
compose: {workdir: /tmp, tool: /bin/true, config_dir: /tmp, staging_root: /tmp, publish_root: /tmp}
`},
		{"not yaml", "redis: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), false)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "composer.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/irgsh/pungi", cfg.Compose.ConfigDir)

	_, err = LoadConfigFromPath(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestCheckEnvironment(t *testing.T) {
	root := t.TempDir()
	tool := filepath.Join(root, "pungi-koji")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0755))
	for _, dir := range []string{"pungi", "staging", "publish"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, dir), 0755))
	}

	cfg := Config{Compose: ComposeConfig{
		Workdir:     filepath.Join(root, "work"),
		Tool:        tool,
		ConfigDir:   filepath.Join(root, "pungi"),
		StagingRoot: filepath.Join(root, "staging"),
		PublishRoot: filepath.Join(root, "publish"),
	}}
	require.NoError(t, CheckEnvironment(cfg))
	assert.DirExists(t, cfg.Compose.Workdir)

	t.Run("missing tool", func(t *testing.T) {
		bad := cfg
		bad.Compose.Tool = filepath.Join(root, "nope")
		err := CheckEnvironment(bad)
		assert.ErrorIs(t, err, ErrInvalidEnvironment)
	})

	t.Run("tool not executable", func(t *testing.T) {
		plain := filepath.Join(root, "plain")
		require.NoError(t, os.WriteFile(plain, []byte("x"), 0644))
		bad := cfg
		bad.Compose.Tool = plain
		err := CheckEnvironment(bad)
		assert.ErrorIs(t, err, ErrInvalidEnvironment)
		assert.Contains(t, err.Error(), "not executable")
	})

	t.Run("missing staging root", func(t *testing.T) {
		bad := cfg
		bad.Compose.StagingRoot = filepath.Join(root, "gone")
		err := CheckEnvironment(bad)
		assert.ErrorIs(t, err, ErrInvalidEnvironment)
		assert.Contains(t, err.Error(), "staging_root")
	})
}
