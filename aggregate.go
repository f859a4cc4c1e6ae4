package main

import "encoding/json"

// ToolEntry / PromptEntry / ResourceEntry are the registry records the
// router keeps so that a later */call, /get, or /read can resolve a
// namespaced identifier back to its owning upstream and original name.
type ToolEntry struct {
	ProxyName    string
	ServerID     string
	OriginalName string
	Descriptor   map[string]any
}

type PromptEntry struct {
	ProxyName    string
	ServerID     string
	OriginalName string
	Descriptor   map[string]any
}

type ResourceEntry struct {
	ProxyURI    string
	ServerID    string
	OriginalURI string
	Descriptor  map[string]any
}

// cloneJSONMap deep-copies a descriptor via a marshal/unmarshal round trip,
// mirroring original_source/proxy.py's use of copy.deepcopy before
// rewriting fields, so mutation of the wrapped descriptor never reaches
// back into the upstream's own cached listing.
func cloneJSONMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func withProxyMetadata(descriptor map[string]any, key string, meta map[string]any) map[string]any {
	out := cloneJSONMap(descriptor)
	existing, _ := out["metadata"].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	existing["proxy"] = meta
	out["metadata"] = existing
	_ = key
	return out
}

// wrapToolOrPrompt renames a descriptor's "name" field to its namespaced
// proxy name and stamps metadata.proxy = {serverId, originalName}.
func wrapToolOrPrompt(descriptor map[string]any, serverID, originalName, proxyName string) map[string]any {
	out := withProxyMetadata(descriptor, "name", map[string]any{
		"serverId":     serverID,
		"originalName": originalName,
	})
	out["name"] = proxyName
	return out
}

// wrapResource renames a descriptor's "uri" field to its namespaced proxy
// URI and stamps metadata.proxy = {serverId, originalUri}.
func wrapResource(descriptor map[string]any, serverID, originalURI, proxyURI string) map[string]any {
	out := withProxyMetadata(descriptor, "uri", map[string]any{
		"serverId":    serverID,
		"originalUri": originalURI,
	})
	out["uri"] = proxyURI
	return out
}

// wrapResourceTemplate stamps metadata.proxy = {serverId} without touching
// any URI field, since templates are patterns rather than concrete
// addresses (spec §4.3 "no URI rewrite if they are patterns").
func wrapResourceTemplate(descriptor map[string]any, serverID string) map[string]any {
	return withProxyMetadata(descriptor, "", map[string]any{"serverId": serverID})
}

// paginate slices items starting at the offset carried by cursorToken,
// stopping after limit entries (or at the end, if limit is nil), and
// returns the token for the next page when more items remain.
func paginate[T any](items []T, cursorToken string, limit *int) (page []T, nextCursor string, err error) {
	offset, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, "", err
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit != nil {
		n := *limit
		if n < 1 {
			n = 1
		}
		if offset+n < end {
			end = offset + n
		}
	}
	page = items[offset:end]
	if end < len(items) {
		nextCursor = encodeCursor(end)
	}
	return page, nextCursor, nil
}

// extractSequence pulls a named array of descriptors out of an upstream's
// raw list result, tolerating either {"<key>": [...]} or a bare top-level
// array, without ever interpreting the descriptors' own contents.
func extractSequence(result json.RawMessage, key string) []map[string]any {
	if len(result) == 0 {
		return nil
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(result, &asObject); err == nil {
		if raw, ok := asObject[key]; ok {
			var items []map[string]any
			if err := json.Unmarshal(raw, &items); err == nil {
				return items
			}
		}
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal(result, &items); err == nil {
		return items
	}
	return nil
}
