package main

import "testing"

func TestDecodeCursorEmptyIsZero(t *testing.T) {
	offset, err := decodeCursor("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected offset 0, got %d", offset)
	}
}

func TestEncodeDecodeCursorRoundTrip(t *testing.T) {
	token := encodeCursor(42)
	offset, err := decodeCursor(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if offset != 42 {
		t.Fatalf("expected offset 42, got %d", offset)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := decodeCursor("not-base64url!!"); err != ErrMalformedCursor {
		t.Fatalf("expected ErrMalformedCursor, got %v", err)
	}
}

func TestDecodeCursorRejectsNegativeOffset(t *testing.T) {
	token := encodeCursor(-1)
	if _, err := decodeCursor(token); err != ErrMalformedCursor {
		t.Fatalf("expected ErrMalformedCursor, got %v", err)
	}
}
