package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/config"
)

type fakeEnv struct{ vals map[string]string }

func (f fakeEnv) LookupEnv(key string) (string, bool) { v, ok := f.vals[key]; return v, ok }

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYAMLLoader_LoadExpandsEnv(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, `
backends:
  - id: fs
    name: filesystem
    transport: stdio
    command: ${FS_CMD}
router:
  virtual_nodes: 160
  hash_key_strategy: tool_name
`)
	loader := config.NewYAMLLoader(path, fakeEnv{vals: map[string]string{"FS_CMD": "/bin/fs-server"}})
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "/bin/fs-server", cfg.Backends[0].Command)
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()
	v := config.NewValidator()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid with no backends",
			mutate:  func(*config.Config) {},
			wantErr: false,
		},
		{
			name: "duplicate backend id rejected",
			mutate: func(c *config.Config) {
				c.Backends = []config.BackendConfig{
					{ID: "a", Transport: "http", URL: "http://a"},
					{ID: "a", Transport: "http", URL: "http://b"},
				}
			},
			wantErr: true,
		},
		{
			name: "stdio backend without command rejected",
			mutate: func(c *config.Config) {
				c.Backends = []config.BackendConfig{{ID: "a", Transport: "stdio"}}
			},
			wantErr: true,
		},
		{
			name: "virtual nodes out of range rejected",
			mutate: func(c *config.Config) {
				c.Router.VirtualNodes = 10
			},
			wantErr: true,
		},
		{
			name: "unsupported compression algorithm rejected",
			mutate: func(c *config.Config) {
				c.Compression.Algorithms = []string{"brotli"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(cfg)
			err := v.Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackendConfig_ToDescriptor(t *testing.T) {
	t.Parallel()
	b := config.BackendConfig{
		ID:        "fs",
		Name:      "filesystem",
		Transport: "stdio",
		Command:   "/bin/fs",
		Args:      []string{"--root", "/"},
		TimeoutMS: 5000,
	}
	d := b.ToDescriptor()
	require.NotNil(t, d.Stdio)
	assert.Equal(t, "/bin/fs", d.Stdio.Command)
	assert.Equal(t, []string{"--root", "/"}, d.Stdio.Args)
}
