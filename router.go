package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RequestMiddleware wraps a client request handler, in the shape of the
// teacher's HTTP MiddlewareFunc but applied to the JSON-RPC dispatch path
// instead of an http.Handler chain (spec §4.3 EXPANSION).
type RequestMiddleware func(next RequestHandlerFunc) RequestHandlerFunc

// RequestHandlerFunc answers one client request, returning either a result
// value (marshaled into the response) or an *RPCError.
type RequestHandlerFunc func(clientID string, method string, params json.RawMessage) (any, *RPCError)

// Router is the single client-facing MCP server. It owns every upstream,
// aggregates their capabilities into one namespaced surface, and mediates
// bidirectional JSON-RPC traffic between the client and whichever upstream
// owns a given namespaced identifier. Grounded on original_source's
// proxy.py Router plus the teacher's http.go request-dispatch shape.
type Router struct {
	client *FrameStream
	log    *zap.SugaredLogger
	cfg    *ProxyConfig
	gate   *ToolGate

	upstreams   map[string]*UpstreamServer
	upstreamsMu sync.RWMutex

	auth  *AuthGate
	limit *RateLimiter

	sep string

	tools     map[string]ToolEntry
	prompts   map[string]PromptEntry
	resources map[string]ResourceEntry
	registryMu sync.RWMutex

	capMu        sync.Mutex
	capabilities map[string]any
	serverInfo   map[string]any

	clientInitParams json.RawMessage

	pendingUpstreamMu sync.Mutex
	pendingUpstream   map[string]upstreamOrigin
	seqByServer       map[string]*uint64

	logLevel zap.AtomicLevel

	middleware []RequestMiddleware

	shuttingDown atomic.Bool
}

type upstreamOrigin struct {
	server *UpstreamServer
	id     json.RawMessage
}

// NewRouter wires a Router for the given config and logger. Upstreams are
// constructed but not started; Serve starts them lazily during initialize.
func NewRouter(cfg *ProxyConfig, gate *ToolGate, client *FrameStream, log *zap.SugaredLogger, level zap.AtomicLevel) *Router {
	r := &Router{
		client:          client,
		log:             log,
		cfg:             cfg,
		gate:            gate,
		upstreams:       make(map[string]*UpstreamServer),
		auth:            NewAuthGate(cfg.AuthToken.OrElse("")),
		limit:           NewRateLimiter(cfg.RateLimitPerMinute.OrElse(0)),
		sep:             cfg.Separator(),
		tools:           make(map[string]ToolEntry),
		prompts:         make(map[string]PromptEntry),
		resources:       make(map[string]ResourceEntry),
		pendingUpstream: make(map[string]upstreamOrigin),
		seqByServer:     make(map[string]*uint64),
		logLevel:        level,
	}
	for _, sc := range cfg.Servers {
		healthInterval := cfg.HealthcheckInterval.OrElse(durationSeconds(0)).Duration()
		healthTimeout := cfg.HealthcheckTimeout.OrElse(durationSeconds(0)).Duration()
		r.upstreams[sc.ID] = NewUpstreamServer(sc, r, log, healthInterval, healthTimeout, cfg.ResponseTimeout.Duration())
		r.seqByServer[sc.ID] = new(uint64)
	}
	r.Use(r.authMiddleware, r.rateLimitMiddleware)
	return r
}

// Use appends middleware to the chain, applied outermost-first in the order
// registered (mirrors the teacher's chi-style middleware composition).
func (r *Router) Use(mw ...RequestMiddleware) {
	r.middleware = append(r.middleware, mw...)
}

func (r *Router) chain(final RequestHandlerFunc) RequestHandlerFunc {
	h := final
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	return h
}

// Serve runs the client-facing dispatch loop until the stream closes.
func (r *Router) Serve() error {
	defer r.shutdownAll()
	for {
		msg, err := r.client.Read()
		if err != nil {
			r.log.Infow("client stream closed", "error", err)
			return nil
		}
		switch {
		case msg.IsRequest():
			go r.handleClientRequest(msg)
		case msg.IsNotification():
			go r.handleClientNotification(msg)
		case msg.IsResponse():
			go r.handleClientResponse(msg)
		default:
			r.log.Warnw("ignoring malformed client message")
		}
	}
}

func (r *Router) writeToClient(msg *Message) {
	if err := r.client.Write(msg); err != nil {
		r.log.Warnw("failed writing to client", "error", err)
	}
}

func (r *Router) handleClientRequest(msg *Message) {
	handler := r.chain(r.dispatch)
	clientID := IDString(msg.ID)
	result, rpcErr := handler(clientID, msg.Method, msg.Params)
	if rpcErr != nil {
		r.writeToClient(newErrorMessage(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return
	}
	resp, err := newResultMessage(msg.ID, result)
	if err != nil {
		r.writeToClient(newErrorMessage(msg.ID, CodeInternalError, err.Error(), nil))
		return
	}
	r.writeToClient(resp)
}

// authMiddleware enforces the optional shared token carried in
// params.proxy.authToken.
func (r *Router) authMiddleware(next RequestHandlerFunc) RequestHandlerFunc {
	return func(clientID, method string, params json.RawMessage) (any, *RPCError) {
		if !r.auth.Configured() {
			return next(clientID, method, params)
		}
		token := extractProxyString(params, "authToken")
		if !r.auth.Validate(token) {
			return nil, &RPCError{Code: CodeUnauthorized, Message: "unauthorized"}
		}
		return next(clientID, method, params)
	}
}

// rateLimitMiddleware enforces the optional per-key requests-per-minute
// quota, keyed by the same auth token (or "anonymous" when auth is off).
func (r *Router) rateLimitMiddleware(next RequestHandlerFunc) RequestHandlerFunc {
	return func(clientID, method string, params json.RawMessage) (any, *RPCError) {
		if !r.limit.Configured() {
			return next(clientID, method, params)
		}
		key := extractProxyString(params, "authToken")
		if key == "" {
			key = "anonymous"
		}
		if !r.limit.Allow(key) {
			return nil, &RPCError{Code: CodeRateLimitExceeded, Message: "rate limit exceeded"}
		}
		return next(clientID, method, params)
	}
}

func extractProxyString(params json.RawMessage, field string) string {
	if len(params) == 0 {
		return ""
	}
	var obj struct {
		Proxy map[string]any `json:"proxy"`
	}
	if err := json.Unmarshal(params, &obj); err != nil {
		return ""
	}
	if v, ok := obj.Proxy[field].(string); ok {
		return v
	}
	return ""
}

func (r *Router) dispatch(clientID, method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case "initialize":
		return r.handleInitialize(params)
	case "shutdown":
		return r.handleShutdown()
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return r.handleToolsList(params)
	case "tools/call":
		return r.handleToolsCall(params)
	case "resources/list":
		return r.handleResourcesList(params)
	case "resources/read":
		return r.handleResourcesRead(params)
	case "resources/templates/list":
		return r.handleResourceTemplatesList(params)
	case "prompts/list":
		return r.handlePromptsList(params)
	case "prompts/get":
		return r.handlePromptsGet(params)
	case "logging/setLevel":
		return r.handleLoggingSetLevel(params)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}

func (r *Router) handleClientNotification(msg *Message) {
	if msg.Method == "notifications/initialized" {
		return
	}
	r.broadcastNotification(msg.Method, msg.Params)
}

func (r *Router) broadcastNotification(method string, params json.RawMessage) {
	r.upstreamsMu.RLock()
	defer r.upstreamsMu.RUnlock()
	for _, u := range r.upstreams {
		if !u.Initialized() {
			continue
		}
		if err := u.Notify(method, params); err != nil {
			r.log.Debugw("broadcast notification failed", "server_id", u.Alias(), "method", method, "error", err)
		}
	}
}

// handleClientResponse relays a client's response to whichever upstream
// originated the request, undoing the client-id rewrite performed by
// forwardUpstreamRequest.
func (r *Router) handleClientResponse(msg *Message) {
	key := IDString(msg.ID)
	r.pendingUpstreamMu.Lock()
	origin, ok := r.pendingUpstream[key]
	delete(r.pendingUpstream, key)
	r.pendingUpstreamMu.Unlock()
	if !ok {
		r.log.Debugw("dropping response with unknown upstream-originated id", "id", key)
		return
	}
	relayed := &Message{JSONRPC: "2.0", ID: origin.id, Result: msg.Result, Error: msg.Error}
	if err := origin.server.SendRaw(relayed); err != nil {
		r.log.Warnw("failed relaying client response upstream", "server_id", origin.server.Alias(), "error", err)
	}
}

// forwardUpstreamRequest mints a client-visible id "server_id:seq", records
// the mapping back to the upstream's own id, injects params.proxy.server,
// and forwards the request to the client.
func (r *Router) forwardUpstreamRequest(u *UpstreamServer, msg *Message) {
	counter := r.seqByServer[u.Alias()]
	if counter == nil {
		counter = new(uint64)
		r.seqByServer[u.Alias()] = counter
	}
	seq := atomic.AddUint64(counter, 1)
	clientID := stringID(fmt.Sprintf("%s:%d", u.Alias(), seq))

	r.pendingUpstreamMu.Lock()
	r.pendingUpstream[IDString(clientID)] = upstreamOrigin{server: u, id: msg.ID}
	r.pendingUpstreamMu.Unlock()

	params := injectProxyServer(msg.Params, u.Alias())
	r.writeToClient(&Message{JSONRPC: "2.0", ID: clientID, Method: msg.Method, Params: params})
}

// forwardUpstreamNotification injects params.proxy.server and relays the
// notification to the client unchanged otherwise.
func (r *Router) forwardUpstreamNotification(u *UpstreamServer, msg *Message) {
	params := injectProxyServer(msg.Params, u.Alias())
	r.writeToClient(&Message{JSONRPC: "2.0", Method: msg.Method, Params: params})
}

func injectProxyServer(params json.RawMessage, serverID string) json.RawMessage {
	var obj map[string]any
	if len(params) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(params, &obj); err != nil || obj == nil {
		obj = map[string]any{}
	}
	obj["proxy"] = map[string]any{"server": serverID}
	raw, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return raw
}

func (r *Router) shutdownAll() {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	r.upstreamsMu.RLock()
	list := make([]*UpstreamServer, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		list = append(list, u)
	}
	r.upstreamsMu.RUnlock()

	var wg sync.WaitGroup
	for _, u := range list {
		wg.Add(1)
		go func(u *UpstreamServer) {
			defer wg.Done()
			u.Shutdown()
		}(u)
	}
	wg.Wait()
}

// fanOutInitialized runs fn concurrently across every currently known
// upstream, using an errgroup so a single failure doesn't cancel siblings
// (each upstream's own error is captured, not propagated).
func (r *Router) fanOutInitialized(fn func(u *UpstreamServer) error) {
	r.upstreamsMu.RLock()
	list := make([]*UpstreamServer, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		list = append(list, u)
	}
	r.upstreamsMu.RUnlock()

	var g errgroup.Group
	for _, u := range list {
		u := u
		g.Go(func() error {
			if !r.gate.AllowsServer(u.Alias()) || !u.Initialized() {
				return nil
			}
			if err := fn(u); err != nil {
				r.log.Debugw("fan-out call failed", "server_id", u.Alias(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
