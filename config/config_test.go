package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/fault"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshdist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Distributed())
	assert.Equal(t, 1, cfg.WorldSize())
}

func TestLoadYAML(t *testing.T) {
	path := writeYAML(t, `
mesh: s3://meshes/usgdata
peers: [ "127.0.0.1:7001", "127.0.0.1:7002" ]
rank: 1
dial_timeout: 5s
partitioner: graph
compression: zstd
max_alloc_bytes: 1048576
log:
  level: debug
  format: json
s3:
  endpoint: localhost:9000
  use_ssl: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Distributed())
	assert.Equal(t, 2, cfg.WorldSize())
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, "graph", cfg.Partitioner)
	assert.Equal(t, int64(1<<20), cfg.MaxAllocBytes)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:9000", cfg.S3.Endpoint)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeYAML(t, "mesh: usgdata\nbogus: 1\n"))
	assert.True(t, fault.Is(err, fault.KindConfig))
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeYAML(t, "mesh: from-file\nranks: 3\npartitioner: block\n")
	cfg, err := Parse("meshdist", []string{"-config", path, "-ranks", "4", "-verbose"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Mesh)
	assert.Equal(t, 4, cfg.Ranks)
	assert.Equal(t, "block", cfg.Partitioner, "unset flags keep the file value")
	assert.True(t, cfg.Verbose)
}

func TestParsePeers(t *testing.T) {
	cfg, err := Parse("meshdist", []string{"-peers", "a:1, b:2,c:3", "-rank", "2"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, cfg.Peers)
	assert.Equal(t, 3, cfg.WorldSize())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no mesh", func(c *Config) { c.Mesh = "" }},
		{"no ranks", func(c *Config) { c.Ranks = 0 }},
		{"rank outside peers", func(c *Config) { c.Peers = []string{"a:1"}; c.Rank = 1 }},
		{"ranks disagree with peers", func(c *Config) { c.Peers = []string{"a:1", "b:2"}; c.Ranks = 3 }},
		{"unknown partitioner", func(c *Config) { c.Partitioner = "metis" }},
		{"unknown codec", func(c *Config) { c.Compression = "gzip" }},
		{"negative limit", func(c *Config) { c.MaxAllocBytes = -1 }},
		{"s3 without endpoint", func(c *Config) { c.Mesh = "s3://b/k" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.KindConfig))
		})
	}
}
