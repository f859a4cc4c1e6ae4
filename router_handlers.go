package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleInitialize fans the client's initialize request out to every
// upstream, merges their capability advertisements, and returns the single
// aggregated handshake the client sees.
func (r *Router) handleInitialize(params json.RawMessage) (any, *RPCError) {
	r.clientInitParams = params

	r.upstreamsMu.RLock()
	list := make([]*UpstreamServer, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		list = append(list, u)
	}
	r.upstreamsMu.RUnlock()

	merged := map[string]any{}
	var mergedMu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range list {
		if !r.gate.AllowsServer(u.Alias()) {
			continue
		}
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			result, err := u.Initialize(params)
			if err != nil {
				r.log.Errorw("upstream initialize failed", "server_id", u.Alias(), "error", err)
				return
			}
			caps := extractCapabilities(result)
			mergedMu.Lock()
			mergeCapabilities(merged, caps)
			mergedMu.Unlock()
		}(u)
	}
	wg.Wait()

	r.capMu.Lock()
	r.capabilities = merged
	r.capMu.Unlock()

	serverInfo := mcp.Implementation{Name: "mcp-aggregating-proxy", Version: "0.1.0"}
	return map[string]any{
		"protocolVersion": clientProtocolVersion(params),
		"capabilities":    merged,
		"serverInfo":      serverInfo,
	}, nil
}

// annotationHintKeys are the boolean behavior hints the proxy fills in with
// a conservative false whenever an upstream's descriptor leaves them unset,
// so a client can rely on every aggregated tool carrying the full set.
var annotationHintKeys = []string{"readOnlyHint", "destructiveHint", "idempotentHint", "openWorldHint"}

// annotationsFor normalizes the "annotations" fragment of a raw upstream
// tool descriptor, leaving inputSchema and every other field untouched
// (schema transformation stays out of scope). Returns nil when the upstream
// never advertised annotations at all, so callers can skip the field
// entirely rather than emit a block of all-false hints for tools that never
// opted in.
func annotationsFor(desc map[string]any) map[string]any {
	raw, ok := desc["annotations"].(map[string]any)
	if !ok {
		return nil
	}
	normalized := make(map[string]any, len(annotationHintKeys)+1)
	if title, ok := raw["title"].(string); ok && title != "" {
		normalized["title"] = title
	}
	for _, key := range annotationHintKeys {
		if v, ok := raw[key].(bool); ok {
			normalized[key] = v
		} else {
			normalized[key] = false
		}
	}
	return normalized
}

func clientProtocolVersion(params json.RawMessage) string {
	var obj struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(params, &obj); err == nil && obj.ProtocolVersion != "" {
		return obj.ProtocolVersion
	}
	return "2024-11-05"
}

func extractCapabilities(initResult json.RawMessage) map[string]any {
	var obj struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(initResult, &obj); err != nil {
		return nil
	}
	return obj.Capabilities
}

// mergeCapabilities folds src's capability map into dst: boolean leaves are
// OR'd, nested objects are merged key by key, and any other value only
// fills a hole left by an absent key (spec §4.3 EXPANSION: capability
// aggregation is a union, never a last-writer-wins overwrite).
func mergeCapabilities(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			dst[k] = mergeCapabilityValue(existing, v)
		} else {
			dst[k] = v
		}
	}
}

func mergeCapabilityValue(a, b any) any {
	switch bv := b.(type) {
	case bool:
		av, _ := a.(bool)
		return av || bv
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok || av == nil {
			out := make(map[string]any, len(bv))
			for k, v := range bv {
				out[k] = v
			}
			return out
		}
		out := make(map[string]any, len(av)+len(bv))
		for k, v := range av {
			out[k] = v
		}
		for k, v := range bv {
			if existing, ok := out[k]; ok {
				out[k] = mergeCapabilityValue(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	default:
		if a != nil {
			return a
		}
		return b
	}
}

func (r *Router) handleShutdown() (any, *RPCError) {
	go r.shutdownAll()
	return nil, nil
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

func decodeListParams(params json.RawMessage) listParams {
	var lp listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &lp)
	}
	return lp
}

// handleToolsList rebuilds the tool registry from scratch by asking every
// allowed, initialized upstream for its own list, wrapping each descriptor
// under its namespaced name, then serves the client's requested page out of
// the aggregate.
func (r *Router) handleToolsList(params json.RawMessage) (any, *RPCError) {
	lp := decodeListParams(params)

	r.upstreamsMu.RLock()
	ids := r.sortedUpstreamIDs()
	r.upstreamsMu.RUnlock()

	entries := make([]ToolEntry, 0, 64)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		u := r.upstreams[id]
		if !r.gate.AllowsServer(id) || !u.Initialized() {
			continue
		}
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			result, err := u.Request("tools/list", nil, u.ResponseTimeout())
			if err != nil {
				r.log.Debugw("tools/list failed", "server_id", u.Alias(), "error", err)
				return
			}
			raw := extractSequence(result, "tools")
			local := make([]ToolEntry, 0, len(raw))
			for _, desc := range raw {
				name, _ := desc["name"].(string)
				if name == "" || !r.gate.AllowsTool(u.Alias(), name) {
					continue
				}
				proxyName := joinProxyName(r.sep, u.Alias(), name)
				wrapped := wrapToolOrPrompt(desc, u.Alias(), name, proxyName)
				if normalized := annotationsFor(desc); normalized != nil {
					wrapped["annotations"] = normalized
				}
				local = append(local, ToolEntry{
					ProxyName:    proxyName,
					ServerID:     u.Alias(),
					OriginalName: name,
					Descriptor:   wrapped,
				})
			}
			mu.Lock()
			entries = append(entries, local...)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ProxyName < entries[j].ProxyName })

	registry := make(map[string]ToolEntry, len(entries))
	for _, e := range entries {
		registry[e.ProxyName] = e
	}
	r.registryMu.Lock()
	r.tools = registry
	r.registryMu.Unlock()

	page, next, err := paginate(entries, lp.Cursor, lp.Limit)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	tools := make([]map[string]any, 0, len(page))
	for _, e := range page {
		tools = append(tools, e.Descriptor)
	}
	out := map[string]any{"tools": tools}
	if next != "" {
		out["nextCursor"] = next
	}
	return out, nil
}

func (r *Router) sortedUpstreamIDs() []string {
	ids := make([]string, 0, len(r.upstreams))
	for id := range r.upstreams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// resolveToolName looks up name in the registry populated by the last
// tools/list (authoritative), falling back to splitting the namespaced
// string itself when the client calls a tool it never listed.
func (r *Router) resolveToolName(name string) (serverID, orig string, ok bool) {
	r.registryMu.RLock()
	entry, hit := r.tools[name]
	r.registryMu.RUnlock()
	if hit {
		return entry.ServerID, entry.OriginalName, true
	}
	return splitProxyName(r.sep, name)
}

func (r *Router) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var cp callToolParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid tools/call params"}
	}
	serverID, orig, ok := r.resolveToolName(cp.Name)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", cp.Name)}
	}
	u, ok := r.lookupUpstream(serverID)
	if !ok || !r.gate.AllowsTool(serverID, orig) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", cp.Name)}
	}
	forwarded, err := marshalParams(renameField("name", orig, "arguments", cp.Arguments))
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	result, callErr := u.Request("tools/call", forwarded, u.ResponseTimeout())
	if callErr != nil {
		return nil, toRPCError(callErr)
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "malformed upstream result"}
	}
	return out, nil
}

// renameField builds the params object forwarded upstream for a namespaced
// tools/call or prompts/get: the proxy name swapped back for the original
// one, with the client's opaque payload passed through unexamined and
// omitted entirely rather than forwarded as an explicit null when absent.
func renameField(nameKey, name, payloadKey string, payload json.RawMessage) map[string]any {
	out := map[string]any{nameKey: name}
	if len(payload) > 0 {
		out[payloadKey] = payload
	}
	return out
}

func (r *Router) lookupUpstream(serverID string) (*UpstreamServer, bool) {
	r.upstreamsMu.RLock()
	defer r.upstreamsMu.RUnlock()
	u, ok := r.upstreams[serverID]
	return u, ok
}

func toRPCError(err error) *RPCError {
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}
	return &RPCError{Code: CodeUpstreamTransport, Message: err.Error()}
}

func (r *Router) handleResourcesList(params json.RawMessage) (any, *RPCError) {
	lp := decodeListParams(params)

	ids := r.sortedUpstreamIDs()
	entries := make([]ResourceEntry, 0, 64)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		u := r.upstreams[id]
		if !r.gate.AllowsServer(id) || !u.Initialized() {
			continue
		}
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			result, err := u.Request("resources/list", nil, u.ResponseTimeout())
			if err != nil {
				r.log.Debugw("resources/list failed", "server_id", u.Alias(), "error", err)
				return
			}
			raw := extractSequence(result, "resources")
			local := make([]ResourceEntry, 0, len(raw))
			for _, desc := range raw {
				uri, _ := desc["uri"].(string)
				if uri == "" {
					continue
				}
				proxyURI := encodeResourceURI(u.Alias(), uri)
				local = append(local, ResourceEntry{
					ProxyURI:    proxyURI,
					ServerID:    u.Alias(),
					OriginalURI: uri,
					Descriptor:  wrapResource(desc, u.Alias(), uri, proxyURI),
				})
			}
			mu.Lock()
			entries = append(entries, local...)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ProxyURI < entries[j].ProxyURI })

	registry := make(map[string]ResourceEntry, len(entries))
	for _, e := range entries {
		registry[e.ProxyURI] = e
	}
	r.registryMu.Lock()
	r.resources = registry
	r.registryMu.Unlock()

	page, next, err := paginate(entries, lp.Cursor, lp.Limit)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	resources := make([]map[string]any, 0, len(page))
	for _, e := range page {
		resources = append(resources, e.Descriptor)
	}
	out := map[string]any{"resources": resources}
	if next != "" {
		out["nextCursor"] = next
	}
	return out, nil
}

func (r *Router) handleResourceTemplatesList(params json.RawMessage) (any, *RPCError) {
	lp := decodeListParams(params)

	ids := r.sortedUpstreamIDs()
	var templates []map[string]any
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		u := r.upstreams[id]
		if !r.gate.AllowsServer(id) || !u.Initialized() {
			continue
		}
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			result, err := u.Request("resources/templates/list", nil, u.ResponseTimeout())
			if err != nil {
				r.log.Debugw("resources/templates/list failed", "server_id", u.Alias(), "error", err)
				return
			}
			raw := extractSequence(result, "resourceTemplates")
			local := make([]map[string]any, 0, len(raw))
			for _, desc := range raw {
				local = append(local, wrapResourceTemplate(desc, u.Alias()))
			}
			mu.Lock()
			templates = append(templates, local...)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	page, next, err := paginate(templates, lp.Cursor, lp.Limit)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	out := map[string]any{"resourceTemplates": page}
	if next != "" {
		out["nextCursor"] = next
	}
	return out, nil
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (r *Router) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var rp readResourceParams
	if err := json.Unmarshal(params, &rp); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid resources/read params"}
	}
	serverID, orig, err := decodeResourceURI(rp.URI)
	if err != nil {
		r.registryMu.RLock()
		entry, ok := r.resources[rp.URI]
		r.registryMu.RUnlock()
		if !ok {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		serverID, orig = entry.ServerID, entry.OriginalURI
	}
	u, ok := r.lookupUpstream(serverID)
	if !ok || !r.gate.AllowsServer(serverID) {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown resource %q", rp.URI)}
	}
	forwarded, err := marshalParams(map[string]any{"uri": orig})
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	result, callErr := u.Request("resources/read", forwarded, u.ResponseTimeout())
	if callErr != nil {
		return nil, toRPCError(callErr)
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "malformed upstream result"}
	}
	return out, nil
}

func (r *Router) handlePromptsList(params json.RawMessage) (any, *RPCError) {
	lp := decodeListParams(params)

	ids := r.sortedUpstreamIDs()
	entries := make([]PromptEntry, 0, 64)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		u := r.upstreams[id]
		if !r.gate.AllowsServer(id) || !u.Initialized() {
			continue
		}
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			result, err := u.Request("prompts/list", nil, u.ResponseTimeout())
			if err != nil {
				r.log.Debugw("prompts/list failed", "server_id", u.Alias(), "error", err)
				return
			}
			raw := extractSequence(result, "prompts")
			local := make([]PromptEntry, 0, len(raw))
			for _, desc := range raw {
				name, _ := desc["name"].(string)
				if name == "" || !r.gate.AllowsTool(u.Alias(), name) {
					continue
				}
				proxyName := joinProxyName(r.sep, u.Alias(), name)
				local = append(local, PromptEntry{
					ProxyName:    proxyName,
					ServerID:     u.Alias(),
					OriginalName: name,
					Descriptor:   wrapToolOrPrompt(desc, u.Alias(), name, proxyName),
				})
			}
			mu.Lock()
			entries = append(entries, local...)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ProxyName < entries[j].ProxyName })

	registry := make(map[string]PromptEntry, len(entries))
	for _, e := range entries {
		registry[e.ProxyName] = e
	}
	r.registryMu.Lock()
	r.prompts = registry
	r.registryMu.Unlock()

	page, next, err := paginate(entries, lp.Cursor, lp.Limit)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	prompts := make([]map[string]any, 0, len(page))
	for _, e := range page {
		prompts = append(prompts, e.Descriptor)
	}
	out := map[string]any{"prompts": prompts}
	if next != "" {
		out["nextCursor"] = next
	}
	return out, nil
}

type getPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// resolvePromptName mirrors resolveToolName for the prompt registry.
func (r *Router) resolvePromptName(name string) (serverID, orig string, ok bool) {
	r.registryMu.RLock()
	entry, hit := r.prompts[name]
	r.registryMu.RUnlock()
	if hit {
		return entry.ServerID, entry.OriginalName, true
	}
	return splitProxyName(r.sep, name)
}

func (r *Router) handlePromptsGet(params json.RawMessage) (any, *RPCError) {
	var gp getPromptParams
	if err := json.Unmarshal(params, &gp); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid prompts/get params"}
	}
	serverID, orig, ok := r.resolvePromptName(gp.Name)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", gp.Name)}
	}
	u, ok := r.lookupUpstream(serverID)
	if !ok || !r.gate.AllowsTool(serverID, orig) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", gp.Name)}
	}
	forwarded, err := marshalParams(renameField("name", orig, "arguments", gp.Arguments))
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	result, callErr := u.Request("prompts/get", forwarded, u.ResponseTimeout())
	if callErr != nil {
		return nil, toRPCError(callErr)
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "malformed upstream result"}
	}
	return out, nil
}

type setLevelParams struct {
	Level string `json:"level"`
}

// handleLoggingSetLevel adjusts the proxy's own log verbosity and, per the
// "both" scope decision (spec §9 open question), forwards the same request
// to every initialized upstream so their own emission rate follows too.
func (r *Router) handleLoggingSetLevel(params json.RawMessage) (any, *RPCError) {
	var lp setLevelParams
	if err := json.Unmarshal(params, &lp); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid logging/setLevel params"}
	}
	level, err := parseLevel(lp.Level)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	r.logLevel.SetLevel(level)

	r.fanOutInitialized(func(u *UpstreamServer) error {
		_, err := u.Request("logging/setLevel", params, u.ResponseTimeout())
		return err
	})
	return map[string]any{}, nil
}
