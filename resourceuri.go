package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ResourceScheme prefixes every proxy-namespaced resource URI handed to the
// client.
const ResourceScheme = "proxy://resource/"

// ErrMalformedResourceURI is returned by decodeResourceURI when the token
// after the scheme prefix is not a valid encoding of {server, uri}.
var ErrMalformedResourceURI = errors.New("malformed resource uri")

type resourcePayload struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
}

// encodeResourceURI builds the injective proxy://resource/<base64url> form
// carrying the owning server id and the upstream's original URI.
func encodeResourceURI(serverID, originalURI string) string {
	raw, _ := json.Marshal(resourcePayload{Server: serverID, URI: originalURI})
	return ResourceScheme + base64.RawURLEncoding.EncodeToString(raw)
}

// decodeResourceURI reverses encodeResourceURI, failing cleanly on anything
// that isn't a well-formed proxy resource URI.
func decodeResourceURI(proxyURI string) (serverID, originalURI string, err error) {
	token, ok := strings.CutPrefix(proxyURI, ResourceScheme)
	if !ok {
		return "", "", ErrMalformedResourceURI
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", ErrMalformedResourceURI
	}
	var payload resourcePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", ErrMalformedResourceURI
	}
	if payload.Server == "" || payload.URI == "" {
		return "", "", ErrMalformedResourceURI
	}
	return payload.Server, payload.URI, nil
}
