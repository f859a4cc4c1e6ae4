package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestRouter(t *testing.T, configJSON string) *Router {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(configJSON), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewRouter(cfg, nil, nil, zap.NewNop().Sugar(), zap.NewAtomicLevel())
}

func TestMergeCapabilitiesUnionsBooleansAndObjects(t *testing.T) {
	dst := map[string]any{
		"tools":   map[string]any{"listChanged": false},
		"logging": true,
	}
	src := map[string]any{
		"tools":   map[string]any{"listChanged": true},
		"prompts": map[string]any{"listChanged": true},
	}
	mergeCapabilities(dst, src)

	tools, ok := dst["tools"].(map[string]any)
	if !ok || tools["listChanged"] != true {
		t.Fatalf("expected tools.listChanged to be OR'd to true, got %v", dst["tools"])
	}
	if dst["logging"] != true {
		t.Fatalf("expected logging to remain true, got %v", dst["logging"])
	}
	prompts, ok := dst["prompts"].(map[string]any)
	if !ok || prompts["listChanged"] != true {
		t.Fatalf("expected prompts capability to be added, got %v", dst["prompts"])
	}
}

func TestInjectProxyServerAddsField(t *testing.T) {
	out := injectProxyServer(json.RawMessage(`{"foo":"bar"}`), "fs")
	var decoded struct {
		Foo   string `json:"foo"`
		Proxy struct {
			Server string `json:"server"`
		} `json:"proxy"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Foo != "bar" {
		t.Fatalf("expected existing field preserved, got %q", decoded.Foo)
	}
	if decoded.Proxy.Server != "fs" {
		t.Fatalf("expected proxy.server injected, got %q", decoded.Proxy.Server)
	}
}

func TestExtractProxyString(t *testing.T) {
	params := json.RawMessage(`{"proxy":{"authToken":"tok"}}`)
	if got := extractProxyString(params, "authToken"); got != "tok" {
		t.Fatalf("expected tok, got %q", got)
	}
	if got := extractProxyString(nil, "authToken"); got != "" {
		t.Fatalf("expected empty string for nil params, got %q", got)
	}
}

func TestAuthMiddlewareRejectsMissingOrWrongToken(t *testing.T) {
	r := newTestRouter(t, `{
		"auth_token": "tok",
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	sentinel := any("ok")
	next := func(clientID, method string, params json.RawMessage) (any, *RPCError) { return sentinel, nil }
	handler := r.authMiddleware(next)

	if _, rpcErr := handler("1", "tools/list", json.RawMessage(`{}`)); rpcErr == nil || rpcErr.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized error for missing token, got %v", rpcErr)
	}
	if _, rpcErr := handler("1", "tools/list", json.RawMessage(`{"proxy":{"authToken":"wrong"}}`)); rpcErr == nil || rpcErr.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized error for wrong token, got %v", rpcErr)
	}
	result, rpcErr := handler("1", "tools/list", json.RawMessage(`{"proxy":{"authToken":"tok"}}`))
	if rpcErr != nil {
		t.Fatalf("expected correct token to pass, got error %v", rpcErr)
	}
	if result != sentinel {
		t.Fatalf("expected handler to reach the wrapped next function")
	}
}

func TestAuthMiddlewareAppliesToInitialize(t *testing.T) {
	r := newTestRouter(t, `{
		"auth_token": "tok",
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	next := func(clientID, method string, params json.RawMessage) (any, *RPCError) { return "ok", nil }
	handler := r.authMiddleware(next)
	if _, rpcErr := handler("1", "initialize", json.RawMessage(`{}`)); rpcErr == nil || rpcErr.Code != CodeUnauthorized {
		t.Fatalf("expected initialize without a token to be unauthorized, got %v", rpcErr)
	}
	if _, rpcErr := handler("1", "initialize", json.RawMessage(`{"proxy":{"authToken":"tok"}}`)); rpcErr != nil {
		t.Fatalf("expected initialize with the correct token to pass, got %v", rpcErr)
	}
}

func TestRateLimitMiddlewareEnforcesQuota(t *testing.T) {
	r := newTestRouter(t, `{
		"rate_limit_per_minute": 1,
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	next := func(clientID, method string, params json.RawMessage) (any, *RPCError) { return "ok", nil }
	handler := r.rateLimitMiddleware(next)

	if _, rpcErr := handler("1", "tools/list", json.RawMessage(`{"proxy":{"authToken":"same-key"}}`)); rpcErr != nil {
		t.Fatalf("expected first call to pass, got %v", rpcErr)
	}
	if _, rpcErr := handler("1", "tools/list", json.RawMessage(`{"proxy":{"authToken":"same-key"}}`)); rpcErr == nil || rpcErr.Code != CodeRateLimitExceeded {
		t.Fatalf("expected second call within the window to be rate limited, got %v", rpcErr)
	}
}

func TestHandleResourcesReadFallsBackToRegistryOnDecodeFailure(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	r.registryMu.Lock()
	r.resources = map[string]ResourceEntry{
		"opaque-handle": {ProxyURI: "opaque-handle", ServerID: "fs", OriginalURI: "file:///tmp/a.txt"},
	}
	r.registryMu.Unlock()

	// Neither a well-formed proxy:// URI nor a registered handle: must fail
	// with the documented -32602, without ever reaching an upstream.
	_, rpcErr := r.handleResourcesRead(json.RawMessage(`{"uri":"not-a-known-handle"}`))
	if rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params for an unresolvable uri, got %v", rpcErr)
	}
}

func TestHandleToolsCallUnknownNameIsInvalidParams(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	_, rpcErr := r.handleToolsCall(json.RawMessage(`{"name":"never-listed-and-unsplittable"}`))
	if rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params for an unresolvable tool name, got %v", rpcErr)
	}
}

func TestHandleToolsCallRejectsRegisteredNameOnUnknownServer(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	// A tool that was listed by some now-gone server: the registry resolves
	// it, but there is no matching upstream to route the call to.
	r.registryMu.Lock()
	r.tools = map[string]ToolEntry{
		"stale::gone_tool": {ProxyName: "stale::gone_tool", ServerID: "stale", OriginalName: "gone_tool"},
	}
	r.registryMu.Unlock()

	_, rpcErr := r.handleToolsCall(json.RawMessage(`{"name":"stale::gone_tool"}`))
	if rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params for a registered tool with no live upstream, got %v", rpcErr)
	}
}

func TestResolveToolNameFallsBackToSplitWhenUnregistered(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	serverID, orig, ok := r.resolveToolName("fs::read_file")
	if !ok || serverID != "fs" || orig != "read_file" {
		t.Fatalf("expected split fallback to resolve fs/read_file, got %q %q %v", serverID, orig, ok)
	}
}

func TestResolveToolNamePrefersRegistryOverSplit(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	r.registryMu.Lock()
	r.tools = map[string]ToolEntry{
		"fs::read_file": {ProxyName: "fs::read_file", ServerID: "fs", OriginalName: "read_file_v2"},
	}
	r.registryMu.Unlock()

	serverID, orig, ok := r.resolveToolName("fs::read_file")
	if !ok || serverID != "fs" || orig != "read_file_v2" {
		t.Fatalf("expected registry entry to win over structural split, got %q %q %v", serverID, orig, ok)
	}
}

func TestHandlePromptsGetUnknownNameIsInvalidParams(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	_, rpcErr := r.handlePromptsGet(json.RawMessage(`{"name":"never-listed-and-unsplittable"}`))
	if rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params for an unresolvable prompt name, got %v", rpcErr)
	}
}

func TestResolvePromptNamePrefersRegistryOverSplit(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	r.registryMu.Lock()
	r.prompts = map[string]PromptEntry{
		"fs::summarize": {ProxyName: "fs::summarize", ServerID: "fs", OriginalName: "summarize_v2"},
	}
	r.registryMu.Unlock()

	serverID, orig, ok := r.resolvePromptName("fs::summarize")
	if !ok || serverID != "fs" || orig != "summarize_v2" {
		t.Fatalf("expected registry entry to win over structural split, got %q %q %v", serverID, orig, ok)
	}
}

func TestChainAppliesMiddlewareOutermostFirst(t *testing.T) {
	r := newTestRouter(t, `{
		"servers": [{"id": "fs", "command": ["true"]}]
	}`)
	var order []string
	mark := func(name string) RequestMiddleware {
		return func(next RequestHandlerFunc) RequestHandlerFunc {
			return func(clientID, method string, params json.RawMessage) (any, *RPCError) {
				order = append(order, name)
				return next(clientID, method, params)
			}
		}
	}
	r.middleware = nil
	r.Use(mark("outer"), mark("inner"))
	final := func(clientID, method string, params json.RawMessage) (any, *RPCError) { return nil, nil }

	if _, rpcErr := r.chain(final)("1", "ping", nil); rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expected outer-then-inner order, got %v", order)
	}
}
