package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestFrameStreamReadsNewlineDelimitedJSON(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	fs := NewFrameStream(strings.NewReader(input), io.Discard, "test", false, zap.NewNop().Sugar())

	msg, err := fs.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Method != "ping" {
		t.Fatalf("expected method ping, got %q", msg.Method)
	}
}

func TestFrameStreamReadsHeaderFramedJSON(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	input := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	fs := NewFrameStream(strings.NewReader(input), io.Discard, "test", false, zap.NewNop().Sugar())

	msg, err := fs.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Method != "ping" {
		t.Fatalf("expected method ping, got %q", msg.Method)
	}
}

func TestFrameStreamSkipsGarbageBeforeFirstFrame(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	input := "garbage line that is not a header\n" + body
	fs := NewFrameStream(strings.NewReader(input), io.Discard, "test", false, zap.NewNop().Sugar())

	msg, err := fs.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Method != "ping" {
		t.Fatalf("expected method ping after skipping garbage, got %q", msg.Method)
	}
}

func TestFrameStreamReadReturnsEOFWhenExhausted(t *testing.T) {
	fs := NewFrameStream(strings.NewReader(""), io.Discard, "test", false, zap.NewNop().Sugar())
	if _, err := fs.Read(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFrameStreamWritePinsNewlineModeAfterNewlineRead(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	var out bytes.Buffer
	fs := NewFrameStream(strings.NewReader(input), &out, "test", false, zap.NewNop().Sugar())
	if _, err := fs.Read(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fs.Write(&Message{JSONRPC: "2.0", ID: intID(1), Result: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if !strings.HasSuffix(out.String(), "\n") || strings.Contains(out.String(), "Content-Length") {
		t.Fatalf("expected newline-framed write, got %q", out.String())
	}
}

func TestFrameStreamWritePinsHeaderModeAfterHeaderRead(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	input := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	var out bytes.Buffer
	fs := NewFrameStream(strings.NewReader(input), &out, "test", false, zap.NewNop().Sugar())
	if _, err := fs.Read(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fs.Write(&Message{JSONRPC: "2.0", ID: intID(1), Result: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Content-Length:") {
		t.Fatalf("expected header-framed write, got %q", out.String())
	}
}

func TestFrameStreamWriteAfterCloseFails(t *testing.T) {
	fs := NewFrameStream(strings.NewReader(""), io.Discard, "test", false, zap.NewNop().Sugar())
	fs.Close()
	if err := fs.Write(&Message{JSONRPC: "2.0"}); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}
