package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost", cfg.Node.Name)
	assert.Equal(t, []string{"source"}, cfg.Qualities)
	assert.Equal(t, "0.0.0.0:8010", cfg.Server.Address())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wubloader.yaml")
	yaml := `
node:
  name: n1
  bus_start: "2024-11-01T16:00:00Z"
channels:
  - name: alpha
    url: https://upstream.example/alpha/index.m3u8
    important: true
qualities: [source, "480p"]
locations:
  archive:
    backend: local
    path: /srv/finished
    cut_type: fast
  mirror:
    backend: http
    url: https://mirror.example/upload
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.Node.Name)
	assert.Equal(t, time.Date(2024, 11, 1, 16, 0, 0, 0, time.UTC), cfg.BusStartTime().UTC())

	ch, ok := cfg.Channel("alpha")
	require.True(t, ok)
	assert.True(t, ch.Important)

	assert.Equal(t, "fast", cfg.Locations["archive"].CutType)
	assert.Equal(t, "http", cfg.Locations["mirror"].Backend)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*config.Config){
		"bad driver":        func(c *config.Config) { c.Database.Driver = "oracle" },
		"empty dsn":         func(c *config.Config) { c.Database.DSN = "" },
		"empty base dir":    func(c *config.Config) { c.Storage.BaseDir = "" },
		"empty node name":   func(c *config.Config) { c.Node.Name = "" },
		"bad bus start":     func(c *config.Config) { c.Node.BusStart = "yesterday" },
		"bad port":          func(c *config.Config) { c.Server.Port = 0 },
		"zero fan out":      func(c *config.Config) { c.Downloader.FanOut = 0 },
		"duplicate channel": func(c *config.Config) {
			c.Channels = []config.ChannelConfig{{Name: "a"}, {Name: "a"}}
		},
		"unknown backend": func(c *config.Config) {
			c.Locations = map[string]config.LocationConfig{"x": {Backend: "ftp"}}
		},
		"local without path": func(c *config.Config) {
			c.Locations = map[string]config.LocationConfig{"x": {Backend: "local"}}
		},
		"bad cut type": func(c *config.Config) {
			c.Locations = map[string]config.LocationConfig{"x": {Backend: "local", Path: "/p", CutType: "lossless"}}
		},
	}

	for label, mutate := range cases {
		t.Run(label, func(t *testing.T) {
			cfg := defaultConfig(t)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
