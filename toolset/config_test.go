package toolset_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxgoai/mxgo-core/toolset"
)

const yamlConfig = `
mcp_servers:
  zeta:
    type: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env:
      API_KEY: ${MXGO_TEST_KEY}
    timeout: 30
  alpha:
    url: http://localhost:8080/sse
    enabled: false
    timeout: 1m30s
    extra_params:
      headers:
        Authorization: Bearer ${MXGO_TEST_KEY}
      sse_read_timeout: 2.5
  middle:
    type: SSE
    url: https://example.com/sse
`

const tomlConfig = `
[mcp_servers.zeta]
type = "stdio"
command = "npx"
args = ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
env = { API_KEY = "${MXGO_TEST_KEY}" }
timeout = 30

[mcp_servers.alpha]
url = "http://localhost:8080/sse"
enabled = false
timeout = "1m30s"

[mcp_servers.alpha.extra_params]
headers = { Authorization = "Bearer ${MXGO_TEST_KEY}" }
sse_read_timeout = 2.5

[mcp_servers.middle]
type = "SSE"
url = "https://example.com/sse"
`

func TestParseConfig(t *testing.T) {
	t.Setenv("MXGO_TEST_KEY", "secret")

	for _, tt := range []struct {
		format toolset.ConfigFormat
		doc    string
	}{
		{toolset.FormatYAML, yamlConfig},
		{toolset.FormatTOML, tomlConfig},
	} {
		t.Run(string(tt.format), func(t *testing.T) {
			configs, err := toolset.ParseConfig([]byte(tt.doc), tt.format)
			require.NoError(t, err)
			require.Len(t, configs, 3)

			zeta, alpha, middle := configs[0], configs[1], configs[2]

			assert.Equal(t, "zeta", zeta.Name)
			assert.Equal(t, "stdio", zeta.Type)
			assert.Equal(t, "npx", zeta.Command)
			assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, zeta.Args)
			assert.Equal(t, map[string]string{"API_KEY": "secret"}, zeta.Env)
			assert.Equal(t, 30*time.Second, zeta.Timeout.Std())
			assert.True(t, zeta.IsEnabled())

			assert.Equal(t, "alpha", alpha.Name)
			assert.False(t, alpha.IsEnabled())
			assert.Equal(t, 90*time.Second, alpha.Timeout.Std())
			assert.Equal(t, "Bearer secret", alpha.ExtraParams.Headers["Authorization"])
			assert.Equal(t, 2500*time.Millisecond, alpha.ExtraParams.SSEReadTimeout.Std())

			assert.Equal(t, "middle", middle.Name)
			assert.Equal(t, "SSE", middle.Type)
			assert.Zero(t, middle.Timeout)
		})
	}
}

func TestParseConfigEmpty(t *testing.T) {
	configs, err := toolset.ParseConfig([]byte("other: 1\n"), toolset.FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, configs)

	configs, err = toolset.ParseConfig([]byte("mcp_servers:\n"), toolset.FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, configs)

	configs, err = toolset.ParseConfig(nil, toolset.FormatTOML)
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestParseConfigKeepsBareDollar(t *testing.T) {
	t.Setenv("MXGO_TEST_KEY", "secret")
	t.Setenv("def", "leaked")
	t.Setenv("x", "leaked")

	docs := map[toolset.ConfigFormat]string{
		toolset.FormatYAML: `
mcp_servers:
  grep:
    command: grep
    args: ["-E", '^foo$|bar$$x']
    env:
      TOKEN: ${MXGO_TEST_KEY}
      PLAIN: $MXGO_TEST_KEY
  remote:
    url: https://example.com/sse
    extra_params:
      headers:
        Authorization: Bearer abc$def
        X-Key: ${MXGO_TEST_KEY}
`,
		toolset.FormatTOML: `
[mcp_servers.grep]
command = "grep"
args = ["-E", "^foo$|bar$$x"]
env = { TOKEN = "${MXGO_TEST_KEY}", PLAIN = "$MXGO_TEST_KEY" }

[mcp_servers.remote]
url = "https://example.com/sse"

[mcp_servers.remote.extra_params]
headers = { Authorization = "Bearer abc$def", X-Key = "${MXGO_TEST_KEY}" }
`,
	}

	for format, doc := range docs {
		t.Run(string(format), func(t *testing.T) {
			configs, err := toolset.ParseConfig([]byte(doc), format)
			require.NoError(t, err)
			require.Len(t, configs, 2)

			grep := configs[0]
			assert.Equal(t, []string{"-E", "^foo$|bar$$x"}, grep.Args)
			assert.Equal(t, "secret", grep.Env["TOKEN"])
			assert.Equal(t, "$MXGO_TEST_KEY", grep.Env["PLAIN"])

			remote := configs[1]
			assert.Equal(t, "Bearer abc$def", remote.ExtraParams.Headers["Authorization"])
			assert.Equal(t, "secret", remote.ExtraParams.Headers["X-Key"])
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	_, err := toolset.ParseConfig([]byte("mcp_servers: [1, 2]\n"), toolset.FormatYAML)
	assert.ErrorContains(t, err, "mcp_servers must be a mapping")

	_, err = toolset.ParseConfig([]byte("mcp_servers:\n  a:\n    timeout: soon\n"), toolset.FormatYAML)
	assert.ErrorContains(t, err, "server a")

	_, err = toolset.ParseConfig([]byte("[mcp_servers.a\n"), toolset.FormatTOML)
	assert.Error(t, err)

	_, err = toolset.ParseConfig([]byte("{}"), toolset.ConfigFormat("json"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestServerConfigNormalize(t *testing.T) {
	cfg := toolset.ServerConfig{Name: "fs", Command: "npx"}.Normalize()
	assert.Equal(t, toolset.TransportStdio, cfg.Type)
	assert.Equal(t, toolset.DefaultServerTimeout, cfg.Timeout.Std())
	require.NotNil(t, cfg.Enabled)
	assert.True(t, *cfg.Enabled)

	cfg = toolset.ServerConfig{Name: "web", Type: " SSE ", URL: "http://x/sse", Timeout: toolset.Duration(-time.Second)}.Normalize()
	assert.Equal(t, toolset.TransportSSE, cfg.Type)
	assert.Equal(t, toolset.DefaultServerTimeout, cfg.Timeout.Std())

	cfg = toolset.ServerConfig{Name: "web", URL: "http://x/sse"}.Normalize()
	assert.Equal(t, toolset.TransportSSE, cfg.Type)
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     toolset.ServerConfig
		wantErr string
	}{
		{"stdio", toolset.ServerConfig{Name: "a", Type: "stdio", Command: "npx"}, ""},
		{"sse", toolset.ServerConfig{Name: "a", Type: "sse", URL: "https://x/sse"}, ""},
		{"no name", toolset.ServerConfig{Type: "stdio", Command: "npx"}, "server name is required"},
		{"no command", toolset.ServerConfig{Name: "a", Type: "stdio"}, "missing command"},
		{"no url", toolset.ServerConfig{Name: "a", Type: "sse"}, "missing url"},
		{"bad scheme", toolset.ServerConfig{Name: "a", Type: "sse", URL: "ftp://x/sse"}, "must be http or https"},
		{"unknown type", toolset.ServerConfig{Name: "a", Type: "websocket"}, "unknown server type"},
		{"no type", toolset.ServerConfig{Name: "a"}, "unknown server type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var d toolset.Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`45`)))
	assert.Equal(t, 45*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`"1.5"`)))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"later"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	b, err := toolset.Duration(2 * time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(b))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "mcp.yml")
	require.NoError(t, os.WriteFile(path, []byte("mcp_servers:\n  a:\n    command: npx\n"), 0o600))

	configs, err := toolset.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "a", configs[0].Name)

	_, err = toolset.LoadConfig(filepath.Join(dir, "mcp.json"))
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = toolset.LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := toolset.FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = toolset.FindConfig(filepath.Join(dir, "nope.toml"))
	assert.ErrorContains(t, err, "config file not found")
}
