package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	optional "github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

// StdioMode selects the wire framing a given upstream speaks.
type StdioMode string

const (
	StdioModeAuto    StdioMode = "auto"
	StdioModeHeader  StdioMode = "header"
	StdioModeNewline StdioMode = "newline"
)

// Defaults applied to missing optional keys, per spec §6.
const (
	DefaultLogLevel        = "INFO"
	DefaultResponseTimeout = 30 * time.Second
	DefaultStartupTimeout  = 20 * time.Second
	DefaultShutdownGrace   = 3 * time.Second
	DefaultToolSeparator   = SeparatorNamespaced
)

// ServerConfig describes one downstream MCP server the proxy should spawn
// and supervise.
type ServerConfig struct {
	ID             string            `json:"id"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	StartupTimeout durationSeconds   `json:"startup_timeout,omitempty"`
	ShutdownGrace  durationSeconds   `json:"shutdown_grace,omitempty"`
	StdioMode      StdioMode         `json:"stdio_mode,omitempty"`
}

// ProxyConfig is the top-level configuration record: proxy-wide defaults
// plus every configured upstream.
type ProxyConfig struct {
	LogLevel            string                          `json:"log_level,omitempty"`
	ResponseTimeout     durationSeconds                 `json:"response_timeout,omitempty"`
	AuthToken           optional.Field[string]          `json:"auth_token,omitempty"`
	RateLimitPerMinute  optional.Field[int]             `json:"rate_limit_per_minute,omitempty"`
	StructuredLogging   bool                            `json:"structured_logging,omitempty"`
	HealthcheckInterval optional.Field[durationSeconds] `json:"healthcheck_interval,omitempty"`
	HealthcheckTimeout  optional.Field[durationSeconds] `json:"healthcheck_timeout,omitempty"`
	ToolSeparator       optional.Field[string]          `json:"tool_separator,omitempty"`
	Servers             []ServerConfig                  `json:"servers"`

	// ToolGatePath optionally points at a JSON file with the enable/disable
	// fragment tree consumed by ToolGate (see toolgate.go). Not part of the
	// distilled spec; a supplemental, non-schema-transforming feature.
	ToolGatePath optional.Field[string] `json:"tool_gate_path,omitempty"`
}

// durationSeconds decodes a bare JSON number of seconds into a
// time.Duration, matching the wire shape original_source/config.py uses
// (response_timeout, startup_timeout, ... are all plain floats).
type durationSeconds time.Duration

func (d durationSeconds) Duration() time.Duration { return time.Duration(d) }

func (d *durationSeconds) UnmarshalJSON(b []byte) error {
	var seconds float64
	if err := json.Unmarshal(b, &seconds); err != nil {
		return err
	}
	*d = durationSeconds(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (d durationSeconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

// Separator returns the configured tool/prompt namespace separator, or the
// default when unset.
func (c *ProxyConfig) Separator() string {
	return c.ToolSeparator.OrElse(DefaultToolSeparator)
}

// LoadConfig reads and validates the JSON config file at path.
func LoadConfig(path string) (*ProxyConfig, error) {
	var cfg ProxyConfig
	if err := confstore.Fill(file.New(path), codec.JsonCodec(), &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *ProxyConfig) normalize() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	} else {
		c.LogLevel = strings.ToUpper(c.LogLevel)
	}
	if c.ResponseTimeout.Duration() <= 0 {
		c.ResponseTimeout = durationSeconds(DefaultResponseTimeout)
	}

	sep := c.Separator()
	if sep == "" {
		return errors.New("tool_separator must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == "" {
			return errors.New("every server requires a non-empty id")
		}
		if strings.Contains(s.ID, sep) {
			return fmt.Errorf("server id %q must not contain the separator %q", s.ID, sep)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if len(s.Command) == 0 {
			return fmt.Errorf("server %q requires a non-empty command", s.ID)
		}
		if s.StartupTimeout.Duration() <= 0 {
			s.StartupTimeout = durationSeconds(DefaultStartupTimeout)
		}
		if s.ShutdownGrace.Duration() <= 0 {
			s.ShutdownGrace = durationSeconds(DefaultShutdownGrace)
		}
		switch s.StdioMode {
		case "":
			s.StdioMode = StdioModeAuto
		case StdioModeAuto, StdioModeHeader, StdioModeNewline:
		default:
			return fmt.Errorf("server %q has invalid stdio_mode %q", s.ID, s.StdioMode)
		}
	}
	return nil
}
