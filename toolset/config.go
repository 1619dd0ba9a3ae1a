package toolset

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport types a server can be configured with.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// DefaultServerTimeout is the per-call timeout of servers that don't configure one.
const DefaultServerTimeout = 60 * time.Second

// ServerConfig configures one tool server.
type ServerConfig struct {
	// Name identifies the server in logs and results. File configs take it from the table key.
	Name    string            `json:"name" yaml:"name" toml:"name"`
	Type    string            `json:"type" yaml:"type" toml:"type"`
	Command string            `json:"command,omitempty" yaml:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env" toml:"env"`
	Dir     string            `json:"dir,omitempty" yaml:"dir" toml:"dir"`
	URL     string            `json:"url,omitempty" yaml:"url" toml:"url"`
	// Enabled defaults to true when unset.
	Enabled     *bool       `json:"enabled,omitempty" yaml:"enabled" toml:"enabled"`
	Timeout     Duration    `json:"timeout,omitempty" yaml:"timeout" toml:"timeout"`
	ExtraParams ExtraParams `json:"extra_params,omitzero" yaml:"extra_params" toml:"extra_params"`
}

// ExtraParams holds SSE-specific settings.
type ExtraParams struct {
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`
	SSEReadTimeout Duration          `json:"sse_read_timeout,omitempty" yaml:"sse_read_timeout" toml:"sse_read_timeout"`
}

// IsEnabled reports whether the server should be opened.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Normalize returns a copy of c with defaults applied: enabled when unset, the default
// timeout when missing or not positive, and a type inferred from command or url when empty.
func (c ServerConfig) Normalize() ServerConfig {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(DefaultServerTimeout)
	}
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		switch {
		case c.Command != "":
			c.Type = TransportStdio
		case c.URL != "":
			c.Type = TransportSSE
		}
	}
	return c
}

// Validate checks that c can be turned into a transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("server name is required")
	}

	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio server %s missing command", c.Name)
		}
	case TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("sse server %s missing url", c.Name)
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("sse server %s has invalid url: %w", c.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("sse server %s url must be http or https, got %q", c.Name, u.Scheme)
		}
	default:
		return fmt.Errorf("unknown server type %q for %s", c.Type, c.Name)
	}
	return nil
}

// Duration is a time.Duration that config files may spell either as a number of seconds or
// as a Go duration string such as "90s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts seconds or a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts seconds or a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	switch value.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		return d.set(secs)
	case "!!null":
		*d = 0
		return nil
	}
	return d.set(value.Value)
}

// UnmarshalTOML accepts seconds or a duration string.
func (d *Duration) UnmarshalTOML(v any) error {
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(val * float64(time.Second))
	case int64:
		*d = Duration(time.Duration(val) * time.Second)
	case string:
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v of type %T", v, v)
	}
	return nil
}

// ConfigFormat is the syntax of a server configuration document.
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatTOML ConfigFormat = "toml"
)

// DefaultSearchPaths returns the config file search order: ./mcp.toml, ./mcp.yaml, then the
// same names under ~/.config/mxgo.
func DefaultSearchPaths() []string {
	paths := []string{"mcp.toml", "mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "mxgo", "mcp.toml"),
			filepath.Join(home, ".config", "mxgo", "mcp.yaml"),
		)
	}
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadConfig reads the servers listed under the top-level mcp_servers table of a YAML or
// TOML file, chosen by extension. ${NAME} references are expanded before parsing.
func LoadConfig(path string) ([]ServerConfig, error) {
	var format ConfigFormat
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".toml":
		format = FormatTOML
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	configs, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return configs, nil
}

// ParseConfig parses a configuration document. Servers are returned in document order with
// their Name set from the table key; defaults are not applied.
func ParseConfig(data []byte, format ConfigFormat) ([]ServerConfig, error) {
	expanded := expandEnv(string(data))

	switch format {
	case FormatYAML:
		return parseYAML(expanded)
	case FormatTOML:
		return parseTOML(expanded)
	}
	return nil, fmt.Errorf("unsupported config format: %s", format)
}

// envRef matches the braced ${NAME} form only; a bare $ is kept as written.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(doc string) string {
	return envRef.ReplaceAllStringFunc(doc, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func parseYAML(doc string) ([]ServerConfig, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping at the top level", top.Line)
	}

	var servers *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "mcp_servers" {
			servers = top.Content[i+1]
			break
		}
	}
	if servers == nil || servers.Kind == yaml.ScalarNode && servers.Tag == "!!null" {
		return nil, nil
	}
	if servers.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: mcp_servers must be a mapping", servers.Line)
	}

	configs := make([]ServerConfig, 0, len(servers.Content)/2)
	for i := 0; i+1 < len(servers.Content); i += 2 {
		name := servers.Content[i].Value
		var cfg ServerConfig
		if err := servers.Content[i+1].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		cfg.Name = name
		configs = append(configs, cfg)
	}
	return configs, nil
}

func parseTOML(doc string) ([]ServerConfig, error) {
	var parsed struct {
		Servers map[string]ServerConfig `toml:"mcp_servers"`
	}
	md, err := toml.Decode(doc, &parsed)
	if err != nil {
		return nil, err
	}

	// The map loses document order, the metadata keeps it.
	configs := make([]ServerConfig, 0, len(parsed.Servers))
	seen := make(map[string]bool, len(parsed.Servers))
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != "mcp_servers" || seen[key[1]] {
			continue
		}
		name := key[1]
		cfg, ok := parsed.Servers[name]
		if !ok {
			continue
		}
		seen[name] = true
		cfg.Name = name
		configs = append(configs, cfg)
	}
	return configs, nil
}
