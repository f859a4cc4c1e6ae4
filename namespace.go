package main

import "strings"

// Default and alternative proxy-name separators. The active one for a
// deployment comes from ProxyConfig.ToolSeparator; both are recognized as
// valid choices at config load time (spec §9 open question).
const (
	SeparatorNamespaced = "::"
	SeparatorSafe       = "__"
)

// joinProxyName builds "<serverID><sep><name>", the identifier exposed to
// the client for a tool or prompt.
func joinProxyName(sep, serverID, name string) string {
	return serverID + sep + name
}

// splitProxyName reverses joinProxyName. It requires the separator to
// appear with a non-empty server id prefix; the remainder (which may
// itself contain the separator) is the original name.
func splitProxyName(sep, proxyName string) (serverID, name string, ok bool) {
	idx := strings.Index(proxyName, sep)
	if idx <= 0 {
		return "", "", false
	}
	return proxyName[:idx], proxyName[idx+len(sep):], true
}
