package offline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://app.example.com/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://app.example.com", cfg.Server.Origin)
	assert.Equal(t, DefaultScriptPath, cfg.Server.ScriptPath)

	assert.Equal(t, "v1", cfg.Cache.Generation)
	assert.Equal(t, defaultPrecache, cfg.Cache.Precache)
	assert.Equal(t, DefaultFallback, cfg.Cache.Fallback)
	assert.Equal(t, []string{DefaultExcludedHost}, cfg.Cache.ExcludedHosts)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.EqualValues(t, 32<<20, cfg.MaxBodyBytes())
	assert.Equal(t, 32, cfg.Fetch.RevalidateConcurrency)
	assert.Equal(t, time.Minute, cfg.UpdateEvery())
	assert.Equal(t, 3*time.Second, cfg.ToastDuration())
	assert.Equal(t, "TerapiaBot v2", cfg.Notifications.Title)
	assert.Equal(t, "New message from TerapiaBot", cfg.Notifications.DefaultBody)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.LogStatsEvery())
}

func TestParseConfigOverrides(t *testing.T) {
	const doc = `
server:
  port: 9090
  origin: http://localhost:3000
cache:
  generation: v7
  prefix: terapiabot-
  precache: ["/", " /offline.html "]
  fallback: /offline.html
  excludedHosts: [API.Example.com]
storage:
  driver: leveldb
fetch:
  timeout: 5s
  maxBody: 1.5mb
warm:
  sitemaps: [/sitemap.xml]
  initialDelay: 10s
  every: 1h
controller:
  updateEvery: 30s
logging:
  level: debug
  logStatsEvery: 1m
`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, WorkerConfig{
		Generation:    "v7",
		Prefix:        "terapiabot-",
		Precache:      []string{"/", "/offline.html"},
		Fallback:      "/offline.html",
		ExcludedHosts: []string{"api.example.com"},
	}, cfg.Cache)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout())
	assert.EqualValues(t, 1572864, cfg.MaxBodyBytes())
	assert.Equal(t, 10*time.Second, cfg.WarmInitialDelay())
	assert.Equal(t, time.Hour, cfg.WarmEvery())
	assert.Equal(t, 30*time.Second, cfg.UpdateEvery())
	assert.Equal(t, time.Minute, cfg.LogStatsEvery())
}

func TestParseConfigEmptyExcludedHosts(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://localhost\ncache:\n  excludedHosts: []\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Cache.ExcludedHosts)
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"missing origin":    "server:\n  port: 80\n",
		"relative origin":   "server:\n  origin: /app\n",
		"ftp origin":        "server:\n  origin: ftp://files.example.com\n",
		"unknown driver":    "server:\n  origin: http://a\nstorage:\n  driver: redis\n",
		"bad timeout":       "server:\n  origin: http://a\nfetch:\n  timeout: soon\n",
		"negative duration": "server:\n  origin: http://a\ncontroller:\n  updateEvery: -1s\n",
		"zero body":         "server:\n  origin: http://a\nfetch:\n  maxBody: \"0\"\n",
		"relative precache": "server:\n  origin: http://a\ncache:\n  precache: [styles.css]\n",
		"invalid yaml":      "server: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appshell.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://localhost:3000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBodyLimit(t *testing.T) {
	tests := map[string]int64{
		"512":   512,
		"64kb":  64 << 10,
		"1.5m":  3 << 19,
		"2GB":   2 << 30,
		" 8 b ": 8,
	}
	for in, want := range tests {
		got, err := parseBodyLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "b", "-1kb", "lots", "nan"} {
		_, err := parseBodyLimit(in)
		assert.ErrorContains(t, err, "fetch.maxBody", in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "2mb", formatBytes(2<<20))
	assert.Equal(t, "1gb", formatBytes(1<<30))
}
