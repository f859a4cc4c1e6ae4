package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrMalformedCursor is returned by decodeCursor when the supplied token
// does not decode to a well-formed, non-negative offset.
var ErrMalformedCursor = errors.New("malformed cursor")

type cursorPayload struct {
	Offset int `json:"offset"`
}

// encodeCursor renders offset as the opaque token clients pass back in a
// subsequent list call's "cursor" param.
func encodeCursor(offset int) string {
	raw, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor parses a cursor token minted by encodeCursor. An empty
// string denotes offset 0, the implicit cursor of the first page.
func decodeCursor(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrMalformedCursor
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, ErrMalformedCursor
	}
	if payload.Offset < 0 {
		return 0, ErrMalformedCursor
	}
	return payload.Offset, nil
}
