package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type upstreamState int32

const (
	stateNew upstreamState = iota
	stateStarting
	stateInitialized
	stateUnhealthy
	stateRestarting
	stateStopping
	stateStopped
	stateFailed
)

func (s upstreamState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateStarting:
		return "starting"
	case stateInitialized:
		return "initialized"
	case stateUnhealthy:
		return "unhealthy"
	case stateRestarting:
		return "restarting"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// restartBackoff computes the delay before restart attempt n (1-indexed),
// starting at 1s, doubling, capped at 30s (spec §4.2).
func restartBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

type pendingEntry struct {
	ch     chan *Message
	method string
}

// UpstreamServer owns one downstream MCP server's subprocess, its own
// FrameStream, request correlation, health checking, and restart
// supervision. Grounded on original_source/mcp_proxy/upstream.py.
type UpstreamServer struct {
	cfg    ServerConfig
	router *Router
	log    *zap.SugaredLogger

	healthInterval time.Duration
	healthTimeout  time.Duration
	responseTO     time.Duration

	mu          sync.Mutex
	state       upstreamState
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stream      *FrameStream
	pending     map[string]*pendingEntry
	nextID      int64
	initParams  json.RawMessage
	initResult  json.RawMessage
	restarting  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewUpstreamServer builds an unstarted upstream bound to cfg. router
// receives upstream-originated requests/notifications and unmatched
// responses.
func NewUpstreamServer(cfg ServerConfig, router *Router, log *zap.SugaredLogger, healthInterval, healthTimeout, responseTimeout time.Duration) *UpstreamServer {
	return &UpstreamServer{
		cfg:            cfg,
		router:         router,
		log:            log.With("server_id", cfg.ID),
		healthInterval: healthInterval,
		healthTimeout:  healthTimeout,
		responseTO:     responseTimeout,
		pending:        make(map[string]*pendingEntry),
		stopCh:         make(chan struct{}),
	}
}

// Alias is the configured server id, used as the namespace token.
func (u *UpstreamServer) Alias() string { return u.cfg.ID }

func (u *UpstreamServer) setState(s upstreamState) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *UpstreamServer) State() upstreamState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Running reports whether the subprocess is alive.
func (u *UpstreamServer) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cmd != nil && u.cmd.Process != nil && u.stream != nil
}

// Initialized reports whether the initialize handshake has completed.
func (u *UpstreamServer) Initialized() bool {
	s := u.State()
	return s == stateInitialized || s == stateUnhealthy || s == stateRestarting
}

// EnsureStarted spawns the subprocess if it isn't already running.
func (u *UpstreamServer) EnsureStarted() error {
	u.mu.Lock()
	if u.cmd != nil && u.cmd.Process != nil && u.stream != nil {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()
	return u.start()
}

func (u *UpstreamServer) start() error {
	if len(u.cfg.Command) == 0 {
		return fmt.Errorf("upstream %s: empty command", u.cfg.ID)
	}
	cmd := exec.Command(u.cfg.Command[0], u.cfg.Command[1:]...)
	env := os.Environ()
	for k, v := range u.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("upstream %s: stdin pipe: %w", u.cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("upstream %s: stdout pipe: %w", u.cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("upstream %s: stderr pipe: %w", u.cfg.ID, err)
	}

	u.setState(stateStarting)
	if err := cmd.Start(); err != nil {
		u.setState(stateFailed)
		return fmt.Errorf("upstream %s: start: %w", u.cfg.ID, err)
	}

	preferNewline := u.cfg.StdioMode == StdioModeNewline
	stream := NewFrameStream(stdout, stdin, u.cfg.ID, preferNewline, u.log)

	u.mu.Lock()
	u.cmd = cmd
	u.stdin = stdin
	u.stream = stream
	u.mu.Unlock()

	u.log.Infow("started upstream server", "pid", cmd.Process.Pid, "command", u.cfg.Command)

	go u.receivePump()
	go u.stderrPump(stderr)
	if u.healthInterval > 0 {
		go u.healthLoop()
	}
	return nil
}

// Initialize sends the MCP initialize handshake derived from the client's
// own initialize params, memoizing the result. clientParams may be nil.
func (u *UpstreamServer) Initialize(clientParams json.RawMessage) (json.RawMessage, error) {
	if err := u.EnsureStarted(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	if u.initResult != nil {
		cached := u.initResult
		u.mu.Unlock()
		return cached, nil
	}
	u.mu.Unlock()

	payload := rewriteClientInfo(clientParams)
	u.mu.Lock()
	u.initParams = payload
	timeout := u.cfg.StartupTimeout.Duration()
	u.mu.Unlock()

	result, err := u.Request("initialize", payload, timeout)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.initResult = result
	u.mu.Unlock()
	u.setState(stateInitialized)

	if err := u.Notify("notifications/initialized", nil); err != nil {
		u.log.Debugw("notifications/initialized failed", "error", err)
	}
	return result, nil
}

// rewriteClientInfo appends "-through-proxy" to clientInfo.name so upstream
// logs can identify the mediator (spec §4.2).
func rewriteClientInfo(params json.RawMessage) json.RawMessage {
	var obj map[string]any
	if len(params) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(params, &obj); err != nil || obj == nil {
		obj = map[string]any{}
	}
	name := "mcp-client"
	version := "0.0"
	if ci, ok := obj["clientInfo"].(map[string]any); ok {
		if n, ok := ci["name"].(string); ok && n != "" {
			name = n
		}
		if v, ok := ci["version"].(string); ok && v != "" {
			version = v
		}
	}
	obj["clientInfo"] = map[string]any{
		"name":    name + "-through-proxy",
		"version": version,
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return raw
}

// Request sends a JSON-RPC request and blocks for its response or timeout.
func (u *UpstreamServer) Request(method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if !u.Running() {
		if err := u.EnsureStarted(); err != nil {
			return nil, err
		}
	}
	id := atomic.AddInt64(&u.nextID, 1)
	rawID := intID(id)
	key := IDString(rawID)

	entry := &pendingEntry{ch: make(chan *Message, 1), method: method}
	u.mu.Lock()
	if u.pending == nil {
		u.pending = make(map[string]*pendingEntry)
	}
	u.pending[key] = entry
	stream := u.stream
	u.mu.Unlock()

	if stream == nil {
		u.removePending(key)
		return nil, fmt.Errorf("upstream %s: not running", u.cfg.ID)
	}

	msg, err := newRequest(rawID, method, jsonRawOrNil(params))
	if err != nil {
		u.removePending(key)
		return nil, err
	}
	if err := stream.Write(msg); err != nil {
		u.removePending(key)
		return nil, &RPCError{Code: CodeUpstreamTransport, Message: err.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-entry.ch:
		u.removePending(key)
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		u.removePending(key)
		return nil, &RPCError{Code: CodeUpstreamTimeout, Message: fmt.Sprintf("upstream %s: %s timed out", u.cfg.ID, method)}
	case <-u.stopCh:
		u.removePending(key)
		return nil, &RPCError{Code: CodeUpstreamTransport, Message: "upstream shutting down"}
	}
}

func jsonRawOrNil(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return p
}

func (u *UpstreamServer) removePending(key string) {
	u.mu.Lock()
	delete(u.pending, key)
	u.mu.Unlock()
}

// Notify writes a fire-and-forget JSON-RPC notification.
func (u *UpstreamServer) Notify(method string, params json.RawMessage) error {
	if !u.Running() {
		if err := u.EnsureStarted(); err != nil {
			return err
		}
	}
	msg, err := newNotification(method, jsonRawOrNil(params))
	if err != nil {
		return err
	}
	u.mu.Lock()
	stream := u.stream
	u.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("upstream %s: not running", u.cfg.ID)
	}
	return stream.Write(msg)
}

// SendRaw writes a pre-built message verbatim, used to relay a client's
// response back to the upstream that originated the request.
func (u *UpstreamServer) SendRaw(msg *Message) error {
	u.mu.Lock()
	stream := u.stream
	u.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("upstream %s: not running", u.cfg.ID)
	}
	return stream.Write(msg)
}

func (u *UpstreamServer) receivePump() {
	u.mu.Lock()
	stream := u.stream
	u.mu.Unlock()
	for {
		msg, err := stream.Read()
		if err != nil {
			u.log.Infow("upstream stream closed", "error", err)
			u.handleUnhealthy()
			return
		}
		switch {
		case msg.IsResponse():
			key := IDString(msg.ID)
			u.mu.Lock()
			entry, ok := u.pending[key]
			delete(u.pending, key)
			u.mu.Unlock()
			if ok {
				entry.ch <- msg
			} else {
				u.log.Debugw("dropping response with unknown id", "id", key)
			}
		case msg.IsRequest():
			u.router.forwardUpstreamRequest(u, msg)
		case msg.IsNotification():
			u.router.forwardUpstreamNotification(u, msg)
		default:
			u.log.Debugw("ignoring unrecognized upstream payload")
		}
	}
}

func (u *UpstreamServer) stderrPump(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		u.log.Infow("upstream stderr", "line", line)
	}
}

func (u *UpstreamServer) healthLoop() {
	ticker := time.NewTicker(u.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			if !u.Running() {
				continue
			}
			timeout := u.healthTimeout
			if timeout <= 0 {
				timeout = u.responseTO
			}
			if _, err := u.Request("ping", nil, timeout); err != nil {
				u.log.Warnw("health check failed", "error", err)
				u.handleUnhealthy()
			}
		}
	}
}

func (u *UpstreamServer) handleUnhealthy() {
	u.mu.Lock()
	if u.restarting || u.state == stateStopping || u.state == stateStopped {
		u.mu.Unlock()
		return
	}
	u.restarting = true
	u.mu.Unlock()

	u.setState(stateUnhealthy)
	u.failAllPending(&RPCError{Code: CodeUpstreamTransport, Message: "upstream unhealthy"})

	go u.restartLoop()
}

func (u *UpstreamServer) restartLoop() {
	defer func() {
		u.mu.Lock()
		u.restarting = false
		u.mu.Unlock()
	}()

	u.setState(stateRestarting)
	u.teardownProcess()

	attempt := 0
	for {
		select {
		case <-u.stopCh:
			return
		default:
		}
		attempt++
		backoff := restartBackoff(attempt)
		u.log.Infow("attempting upstream restart", "attempt", attempt, "backoff", backoff)

		if err := u.start(); err == nil {
			u.mu.Lock()
			lastParams := u.initParams
			u.initResult = nil
			u.mu.Unlock()
			if _, err := u.Initialize(lastParams); err == nil {
				u.log.Infow("upstream restarted", "attempt", attempt)
				return
			} else {
				u.log.Errorw("restart initialize failed", "attempt", attempt, "error", err)
			}
		} else {
			u.log.Errorw("restart spawn failed", "attempt", attempt, "error", err)
		}

		select {
		case <-time.After(backoff):
		case <-u.stopCh:
			return
		}
	}
}

func (u *UpstreamServer) failAllPending(err *RPCError) {
	u.mu.Lock()
	pending := u.pending
	u.pending = make(map[string]*pendingEntry)
	u.mu.Unlock()
	for _, entry := range pending {
		entry.ch <- &Message{JSONRPC: "2.0", Error: err}
	}
}

func (u *UpstreamServer) teardownProcess() {
	u.mu.Lock()
	cmd := u.cmd
	stream := u.stream
	u.cmd = nil
	u.stream = nil
	u.stdin = nil
	u.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
}

// Shutdown attempts a graceful shutdown bounded by the configured grace
// period, then terminates and, if necessary, kills the subprocess.
func (u *UpstreamServer) Shutdown() {
	u.setState(stateStopping)

	if u.Running() {
		grace := u.cfg.ShutdownGrace.Duration()
		if _, err := u.Request("shutdown", nil, grace); err != nil {
			u.log.Warnw("graceful shutdown request failed", "error", err)
		}
	}

	// Only now cut off health checks, restart retries, and further
	// requests: the shutdown request above needs stopCh still open so its
	// own select doesn't race the grace-period timer.
	u.stopOnce.Do(func() { close(u.stopCh) })

	u.mu.Lock()
	cmd := u.cmd
	stream := u.stream
	u.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _, _ = cmd.Process.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(u.cfg.ShutdownGrace.Duration()):
			u.log.Warnw("killing stalled upstream", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-done
		}
	}
	if stream != nil {
		stream.Close()
	}
	u.failAllPending(&RPCError{Code: CodeUpstreamTransport, Message: "upstream shutting down"})

	u.mu.Lock()
	u.cmd = nil
	u.stream = nil
	u.mu.Unlock()
	u.setState(stateStopped)
}

// InitializeResult returns the cached initialize response, or nil if the
// upstream hasn't completed the handshake.
func (u *UpstreamServer) InitializeResult() json.RawMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.initResult
}

// ResponseTimeout is the proxy-wide default used for */list and */call
// fan-out against this upstream.
func (u *UpstreamServer) ResponseTimeout() time.Duration { return u.responseTO }
