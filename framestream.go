package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrStreamClosed is returned by Write after the stream has observed EOF on
// read or has been explicitly closed.
var ErrStreamClosed = errors.New("framestream: stream closed")

type frameMode int

const (
	modeUnset frameMode = iota
	modeHeader
	modeNewline
)

// FrameStream is a duplex JSON-RPC framing layer over a byte stream. It
// autodetects between LSP-style Content-Length framing and newline
// delimited JSON on the first read, pinning whichever mode it saw, and
// serializes all writes behind a single mutex so concurrent producers can't
// interleave frames.
type FrameStream struct {
	name   string
	reader *bufio.Reader
	writer io.Writer
	log    *zap.SugaredLogger

	mu     sync.Mutex // protects mode + writes
	mode   frameMode
	closed bool

	preferNewline bool // write-mode default before autodetection pins one
}

// NewFrameStream wraps r/w for a peer identified by name (used only in log
// lines). preferNewline selects the default write mode used before the
// first successful Read pins a mode.
func NewFrameStream(r io.Reader, w io.Writer, name string, preferNewline bool, log *zap.SugaredLogger) *FrameStream {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FrameStream{
		name:          name,
		reader:        bufio.NewReaderSize(r, 64*1024),
		writer:        w,
		log:           log,
		preferNewline: preferNewline,
	}
}

// Read returns the next decoded JSON-RPC message. It returns io.EOF once the
// underlying stream is exhausted (the "closed" terminal signal). A
// malformed frame returns a parse error but leaves the stream usable for
// the next frame.
func (fs *FrameStream) Read() (*Message, error) {
	for {
		b, err := fs.reader.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fs.markClosed()
				return nil, io.EOF
			}
			return nil, err
		}
		switch {
		case isWhitespace(b[0]):
			_, _ = fs.reader.ReadByte()
			continue
		case b[0] == '{' || b[0] == '[':
			fs.pinMode(modeNewline)
			line, err := fs.reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			line = strings.TrimRight(line, "\r\n \t")
			if line == "" {
				continue
			}
			var msg Message
			if jerr := json.Unmarshal([]byte(line), &msg); jerr != nil {
				return nil, fmt.Errorf("framestream: parse newline frame: %w", jerr)
			}
			return &msg, nil
		case b[0] == 'C', b[0] == 'c':
			fs.pinMode(modeHeader)
			headers, herr := fs.readHeaders()
			if herr != nil {
				return nil, herr
			}
			length, cerr := parseContentLength(headers)
			if cerr != nil {
				return nil, cerr
			}
			body := make([]byte, length)
			if _, rerr := io.ReadFull(fs.reader, body); rerr != nil {
				if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
					fs.markClosed()
					return nil, fmt.Errorf("framestream: %s: partial header body: %w", fs.name, io.ErrUnexpectedEOF)
				}
				return nil, rerr
			}
			var msg Message
			if jerr := json.Unmarshal(body, &msg); jerr != nil {
				return nil, fmt.Errorf("framestream: parse header frame: %w", jerr)
			}
			return &msg, nil
		default:
			// Non-header garbage before we've pinned a mode: consume and
			// warn, per spec "non-header garbage lines emit a warning and
			// are skipped".
			line, _ := fs.reader.ReadString('\n')
			fs.log.Warnw("framestream: skipping unrecognized input", "peer", fs.name, "line", strings.TrimSpace(line))
			continue
		}
	}
}

func (fs *FrameStream) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := fs.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fs.markClosed()
			}
			return nil, fmt.Errorf("framestream: %s: eof before header terminator: %w", fs.name, io.ErrUnexpectedEOF)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			fs.log.Warnw("framestream: malformed header line", "peer", fs.name, "line", trimmed)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key != "content-length" {
			fs.log.Warnw("framestream: unknown header", "peer", fs.name, "header", key)
		}
		headers[key] = strings.TrimSpace(value)
	}
}

func parseContentLength(headers map[string]string) (int, error) {
	raw, ok := headers["content-length"]
	if !ok {
		return 0, errors.New("framestream: missing Content-Length header")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("framestream: invalid Content-Length %q", raw)
	}
	return n, nil
}

// Write serializes and sends msg, framed according to the currently pinned
// (or default) mode.
func (fs *FrameStream) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrStreamClosed
	}

	var payload []byte
	if fs.currentWriteModeLocked() == modeNewline {
		payload = append(data, '\n')
	} else {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
		payload = append([]byte(header), data...)
	}
	if _, err := fs.writer.Write(payload); err != nil {
		return fmt.Errorf("framestream: %s: write: %w", fs.name, err)
	}
	return nil
}

func (fs *FrameStream) currentWriteModeLocked() frameMode {
	if fs.mode != modeUnset {
		return fs.mode
	}
	if fs.preferNewline {
		return modeNewline
	}
	return modeHeader
}

func (fs *FrameStream) pinMode(mode frameMode) {
	fs.mu.Lock()
	if fs.mode == modeUnset {
		fs.mode = mode
	}
	fs.mu.Unlock()
}

func (fs *FrameStream) markClosed() {
	fs.mu.Lock()
	fs.closed = true
	fs.mu.Unlock()
}

// Close marks the stream unusable for further writes. It does not close the
// underlying reader/writer, which the owner (process pipes) is responsible
// for.
func (fs *FrameStream) Close() {
	fs.markClosed()
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}
