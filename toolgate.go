package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// ToolGate filters which namespaced tools/prompts the router exposes and
// will route calls to. It never rewrites descriptors or schemas -- doing
// so would be the tool-argument-schema transformation the spec rules out --
// it only answers enabled/disabled. Grounded on the teacher's tool-override
// fragment tree, trimmed to the enabled-flag resolution.
type ToolGate struct {
	master  *gateFragment
	servers map[string]*gateFragment
}

type gateFragment struct {
	Enabled *bool           `json:"enabled,omitempty"`
	Tools   map[string]bool `json:"tools,omitempty"`
}

type toolGateFile struct {
	Master  *gateFragment            `json:"master,omitempty"`
	Servers map[string]*gateFragment `json:"servers,omitempty"`
}

// LoadToolGate reads the JSON fragment tree at path. An empty path or a
// file with no content yields a nil gate, which AllowsTool/AllowsServer
// treat as "everything enabled".
func LoadToolGate(path string) (*ToolGate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool gate %s: %w", path, err)
	}
	var raw toolGateFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tool gate %s: %w", path, err)
	}
	if raw.Master == nil && len(raw.Servers) == 0 {
		return nil, nil
	}
	return &ToolGate{master: raw.Master, servers: raw.Servers}, nil
}

// AllowsServer reports whether an entire upstream is enabled. Most specific
// wins: an explicit per-server flag overrides the master default, which
// overrides the built-in default of true.
func (g *ToolGate) AllowsServer(serverID string) bool {
	if g == nil {
		return true
	}
	enabled := true
	if g.master != nil && g.master.Enabled != nil {
		enabled = *g.master.Enabled
	}
	if frag := g.servers[serverID]; frag != nil && frag.Enabled != nil {
		enabled = *frag.Enabled
	}
	return enabled
}

// AllowsTool reports whether a specific tool/prompt name on serverID is
// enabled, applying built-in default -> master default -> master per-tool ->
// server default -> server per-tool, most specific last.
func (g *ToolGate) AllowsTool(serverID, name string) bool {
	if g == nil {
		return true
	}
	if !g.AllowsServer(serverID) {
		return false
	}
	enabled := true
	if g.master != nil && g.master.Enabled != nil {
		enabled = *g.master.Enabled
	}
	if g.master != nil {
		if v, ok := fragmentToolFlag(g.master, name); ok {
			enabled = v
		}
	}
	frag := g.servers[serverID]
	if frag != nil && frag.Enabled != nil {
		enabled = *frag.Enabled
	}
	if frag != nil {
		if v, ok := fragmentToolFlag(frag, name); ok {
			enabled = v
		}
	}
	return enabled
}

func fragmentToolFlag(frag *gateFragment, name string) (bool, bool) {
	if frag == nil || frag.Tools == nil {
		return false, false
	}
	if v, ok := frag.Tools[name]; ok {
		return v, true
	}
	if v, ok := frag.Tools["*"]; ok {
		return v, true
	}
	return false, false
}
