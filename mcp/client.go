package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// ToolListWatcher receives notifications when the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// LogReceiver receives log messages sent by the server. Without one, server log messages
// are written to the client logger.
type LogReceiver interface {
	OnLog(params LogParams)
}

// State is the lifecycle state of a Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

// Client speaks the MCP tool protocol with one server over one Session. It performs the
// capability handshake, assigns a fresh id to every request and routes responses back to
// their callers by id, independent of arrival order.
//
// A Client must be created using NewClient and requires Connect to be called before any
// request can be made. Every Client owns exactly one background goroutine draining
// inbound frames, started by Connect and stopped by Close. Methods are safe for concurrent
// use.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	initTimeout            time.Duration
	callTimeout            time.Duration
	protocolErrorThreshold int

	toolListWatcher ToolListWatcher
	logReceiver     LogReceiver

	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string

	state atomic.Int32

	mu      sync.Mutex
	pending map[MustString]*Call
	// stopped is set once pending calls can no longer complete.
	stopped    bool
	stopReason error

	stopListen context.CancelFunc
	done       chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var (
	defaultClientInitTimeout            = 30 * time.Second
	defaultClientCallTimeout            = 60 * time.Second
	defaultClientProtocolErrorThreshold = 10

	replyTimeout = 10 * time.Second
)

// LevelTrace is the level frames are logged at as they cross the session.
const LevelTrace = slog.Level(-8)

// ErrToolsUnsupported is returned by ListTools when the server did not declare the tools
// capability.
var ErrToolsUnsupported = errors.New("tools not supported by server")

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientInitTimeout bounds session establishment and the handshake.
func WithClientInitTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.initTimeout = timeout
	}
}

// WithClientCallTimeout sets how long a request waits for its response.
func WithClientCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithProtocolErrorThreshold sets how many consecutive undecodable frames are tolerated
// before the session is considered broken.
func WithProtocolErrorThreshold(n int) ClientOption {
	return func(c *Client) {
		c.protocolErrorThreshold = n
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// NewClient creates a client that identifies itself with info and reaches the server
// through transport. The client will not be connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[MustString]*Call),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.initTimeout <= 0 {
		c.initTimeout = defaultClientInitTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultClientCallTimeout
	}
	if c.protocolErrorThreshold <= 0 {
		c.protocolErrorThreshold = defaultClientProtocolErrorThreshold
	}

	return c
}

// Connect starts the session, launches the goroutine that drains inbound frames and performs
// the capability handshake. It must be called once, before any other request. On failure
// the session is released and the client is left in StateFailed; Close is still safe.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("failed to connect: client is %s", c.State())
	}

	iCtx, iCancel := context.WithTimeout(ctx, c.initTimeout)
	defer iCancel()

	sess, err := c.transport.StartSession(iCtx)
	if err != nil {
		c.state.Store(int32(StateFailed))
		c.markStopped(err)
		close(c.done)
		return err
	}
	c.session = sess

	listenCtx, stopListen := context.WithCancel(context.Background())
	c.stopListen = stopListen
	go c.listen(listenCtx)

	if err := c.initialize(iCtx); err != nil {
		c.teardown(err)
		return err
	}

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
	c.logger.Info("session ready",
		slog.String("server", c.serverInfo.Name),
		slog.String("serverVersion", c.serverInfo.Version),
		slog.String("protocolVersion", c.protocolVersion),
	)

	return nil
}

// Close stops the client and releases its session. It is safe to call more than once,
// only the first call does any work.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		if c.session != nil {
			c.closeErr = c.session.Close()
		}
		if c.stopListen != nil {
			c.stopListen()
			<-c.done
		}
		c.markStopped(&ConnectionError{Op: "close", Err: ErrSessionClosed})
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

// ListTools retrieves one page of tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, ErrToolsUnsupported
	}

	var result ListToolsResult
	if err := c.Call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// AllTools retrieves every tool the server offers, following pagination cursors. A server
// without the tools capability yields an empty list.
func (c *Client) AllTools(ctx context.Context) ([]Tool, error) {
	if c.serverCapabilities.Tools == nil {
		c.logger.Debug("server does not declare tools capability")
		return nil, nil
	}

	var tools []Tool
	seen := make(map[string]struct{})
	params := ListToolsParams{}
	for {
		page, err := c.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		if _, ok := seen[page.NextCursor]; ok {
			return nil, &ProtocolError{Err: fmt.Errorf("tools/list cursor %q repeated", page.NextCursor)}
		}
		seen[page.NextCursor] = struct{}{}
		params.Cursor = page.NextCursor
	}
}

// CallTool invokes a tool on the server. A result with IsError set is a successful round
// trip, it is up to the caller to treat it as a tool failure.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	var result CallToolResult
	if err := c.Call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, nil, nil)
}

// ServerInfo returns the server identification received during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities received during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Instructions returns the usage instructions the server sent during the handshake, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Session returns the session the client runs on, nil before Connect.
func (c *Client) Session() Session {
	return c.session
}

// CallTimeout returns the per-request timeout.
func (c *Client) CallTimeout() time.Duration {
	return c.callTimeout
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}

	var result initializeResult
	if err := c.roundTrip(ctx, MethodInitialize, params, &result, c.initTimeout); err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			return &HandshakeError{Reason: "server rejected initialize", Err: err}
		}
		return &HandshakeError{Reason: "initialize request failed", Err: err}
	}

	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		return &HandshakeError{
			Reason: fmt.Sprintf("protocol version mismatch: %q not in %v", result.ProtocolVersion, SupportedProtocolVersions),
		}
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if err := c.sendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		return &HandshakeError{Reason: "failed to send initialized notification", Err: err}
	}

	return nil
}

func (c *Client) listen(ctx context.Context) {
	defer close(c.done)

	var cause error
	malformed := 0
	for {
		msg, err := c.session.Receive(ctx)
		if err == nil && msg.JSONRPC != JSONRPCVersion {
			frame, _ := json.Marshal(msg)
			err = &ProtocolError{
				Frame: truncateFrame(frame),
				Err:   fmt.Errorf("invalid jsonrpc version %q", msg.JSONRPC),
			}
		}
		if err != nil {
			var pErr *ProtocolError
			if errors.As(err, &pErr) {
				malformed++
				c.logger.Warn("discarding malformed frame",
					slog.String("err", err.Error()),
					slog.String("frame", pErr.Frame),
					slog.Int("consecutive", malformed),
				)
				if malformed < c.protocolErrorThreshold {
					continue
				}
				cause = &ConnectionError{
					Op:  "receive",
					Err: fmt.Errorf("%d consecutive malformed frames: %w", malformed, err),
				}
				break
			}
			if ctx.Err() != nil {
				err = &ConnectionError{Op: "receive", Err: ErrSessionClosed}
			}
			cause = err
			break
		}
		malformed = 0
		c.handleMessage(ctx, msg)
	}

	c.markStopped(cause)
	if c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateFailed)) {
		c.logger.Warn("session lost", slog.String("err", cause.Error()))
	}
}

func (c *Client) handleMessage(ctx context.Context, msg JSONRPCMessage) {
	c.logger.Log(ctx, LevelTrace, "received frame",
		slog.String("method", msg.Method),
		slog.String("id", string(msg.ID)),
	)

	switch {
	case msg.IsResponse():
		c.complete(msg)
	case msg.IsNotification():
		c.handleNotification(msg)
	case msg.Method != "":
		// Replies go out on their own goroutine so a slow write never stalls frame delivery.
		go c.handleRequest(ctx, msg)
	default:
		c.logger.Warn("discarding frame that is neither request, response nor notification")
	}
}

func (c *Client) complete(msg JSONRPCMessage) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("discarding uncorrelated response", slog.String("id", string(msg.ID)))
		return
	}
	call.finish(msg, nil)
}

func (c *Client) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	rCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	reply := replyTo(msg)
	if msg.Method == MethodPing {
		reply.Result = json.RawMessage("{}")
	} else {
		c.logger.Debug("rejecting server request", slog.String("method", msg.Method))
		reply.Error = &JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "Method not found",
			Data:    map[string]any{"method": msg.Method},
		}
	}

	if err := c.session.Send(rCtx, reply); err != nil {
		c.logger.Error("failed to reply to server request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()),
		)
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case MethodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		if c.logReceiver != nil {
			c.logReceiver.OnLog(params)
			return
		}
		c.logger.Log(context.Background(), serverLogLevel(params.Level), "server log",
			slog.String("logger", params.Logger),
			slog.String("data", string(params.Data)),
		)
	case MethodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.logger.Debug("progress",
			slog.String("token", string(params.ProgressToken)),
			slog.Float64("progress", params.Progress),
			slog.Float64("total", params.Total),
		)
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	if err := c.session.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// markStopped fails every pending call with cause and rejects new ones.
func (c *Client) markStopped(cause error) {
	if cause == nil {
		cause = &ConnectionError{Op: "receive", Err: ErrSessionClosed}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopReason = cause
	pending := c.pending
	c.pending = make(map[MustString]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.finish(JSONRPCMessage{}, cause)
	}
}

// teardown releases the session after a fatal condition without waiting for Close.
func (c *Client) teardown(cause error) {
	c.state.Store(int32(StateFailed))
	c.markStopped(cause)
	if err := c.session.Close(); err != nil {
		c.logger.Warn("failed to close session", slog.String("err", err.Error()))
	}
}

func serverLogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo, LogLevelNotice:
		return slog.LevelInfo
	case LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
