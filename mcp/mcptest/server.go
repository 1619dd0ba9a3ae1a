// Package mcptest provides an in-process MCP tool server for exercising clients. The same
// Server can be served over stdio, for helper-process tests, or over SSE with httptest.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mxgoai/mxgo-core/mcp"
	"github.com/qri-io/jsonschema"
)

// ToolHandler implements a fixture tool. Returning an error yields an isError result
// carrying the error text.
type ToolHandler func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error)

// Tool is a fixture tool definition.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the raw JSON schema advertised to clients and used to validate
	// arguments. Empty means no schema at all.
	InputSchema string
	Handler     ToolHandler

	schema *jsonschema.Schema
}

// Server answers initialize, ping, tools/list and tools/call.
type Server struct {
	info            mcp.Info
	tools           []Tool
	pageSize        int
	protocolVersion string
	instructions    string
	toolsCapability bool
	logger          *slog.Logger

	mu       sync.Mutex
	inflight map[mcp.MustString]context.CancelFunc
	received []string

	sseOnce sync.Once
	sse     *sseHub
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTools replaces the default tool set.
func WithTools(tools ...Tool) ServerOption {
	return func(s *Server) {
		s.tools = tools
	}
}

// WithPageSize splits tools/list into pages of n tools.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithProtocolVersion overrides the protocol version answered to initialize.
func WithProtocolVersion(version string) ServerOption {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithoutToolsCapability makes the server omit the tools capability.
func WithoutToolsCapability() ServerOption {
	return func(s *Server) {
		s.toolsCapability = false
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a fixture server named name. Without WithTools it offers DefaultTools.
// It panics if a tool schema is not valid JSON.
func NewServer(name string, options ...ServerOption) *Server {
	s := &Server{
		info:            mcp.Info{Name: name, Version: "1.0"},
		tools:           DefaultTools(),
		protocolVersion: mcp.ProtocolVersion,
		toolsCapability: true,
		logger:          slog.Default(),
		inflight:        make(map[mcp.MustString]context.CancelFunc),
	}
	for _, opt := range options {
		opt(s)
	}

	for i := range s.tools {
		if s.tools[i].InputSchema == "" {
			continue
		}
		rs := new(jsonschema.Schema)
		if err := json.Unmarshal([]byte(s.tools[i].InputSchema), rs); err != nil {
			panic(fmt.Sprintf("mcptest: invalid schema for tool %q: %v", s.tools[i].Name, err))
		}
		s.tools[i].schema = rs
	}

	return s
}

// Received returns the methods of every message handled so far, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// Handle processes one inbound message. For requests it returns the response and true;
// notifications produce no response.
func (s *Server) Handle(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool) {
	s.mu.Lock()
	s.received = append(s.received, msg.Method)
	s.mu.Unlock()

	if msg.IsResponse() {
		return mcp.JSONRPCMessage{}, false
	}
	if msg.IsNotification() {
		s.handleNotification(msg)
		return mcp.JSONRPCMessage{}, false
	}

	var (
		result any
		err    error
	)
	switch msg.Method {
	case mcp.MethodInitialize:
		result = s.initialize()
	case mcp.MethodPing:
		result = struct{}{}
	case mcp.MethodToolsList:
		result, err = s.listTools(msg.Params)
	case mcp.MethodToolsCall:
		result, err = s.callTool(ctx, msg.ID, msg.Params)
	default:
		err = &mcp.JSONRPCError{
			Code:    mcp.JSONRPCMethodNotFoundCode,
			Message: "Method not found",
			Data:    map[string]any{"method": msg.Method},
		}
	}

	return s.response(msg.ID, result, err), true
}

func (s *Server) response(id mcp.MustString, result any, err error) mcp.JSONRPCMessage {
	resp := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
	}
	if err != nil {
		rpcErr, ok := err.(*mcp.JSONRPCError)
		if !ok {
			rpcErr = &mcp.JSONRPCError{Code: mcp.JSONRPCInternalErrorCode, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp
	}

	resultBs, mErr := json.Marshal(result)
	if mErr != nil {
		resp.Error = &mcp.JSONRPCError{Code: mcp.JSONRPCInternalErrorCode, Message: mErr.Error()}
		return resp
	}
	resp.Result = resultBs
	return resp
}

func (s *Server) handleNotification(msg mcp.JSONRPCMessage) {
	if msg.Method != mcp.MethodNotificationsCancelled {
		return
	}

	var params struct {
		RequestID mcp.MustString `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("failed to unmarshal cancel params", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	cancel, ok := s.inflight[params.RequestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) initialize() any {
	capabilities := map[string]any{}
	if s.toolsCapability {
		capabilities["tools"] = map[string]any{"listChanged": false}
	}
	return map[string]any{
		"protocolVersion": s.protocolVersion,
		"capabilities":    capabilities,
		"serverInfo":      s.info,
		"instructions":    s.instructions,
	}
}

func (s *Server) listTools(raw json.RawMessage) (any, error) {
	var params mcp.ListToolsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: err.Error()}
		}
	}

	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(s.tools) {
			return nil, &mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: "invalid cursor"}
		}
		start = n
	}
	end := len(s.tools)
	if s.pageSize > 0 && start+s.pageSize < end {
		end = start + s.pageSize
	}

	type toolDef struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	page := make([]toolDef, 0, end-start)
	for _, t := range s.tools[start:end] {
		def := toolDef{Name: t.Name, Description: t.Description}
		if t.InputSchema != "" {
			def.InputSchema = json.RawMessage(t.InputSchema)
		}
		page = append(page, def)
	}

	result := map[string]any{"tools": page}
	if end < len(s.tools) {
		result["nextCursor"] = strconv.Itoa(end)
	}
	return result, nil
}

func (s *Server) callTool(ctx context.Context, id mcp.MustString, raw json.RawMessage) (any, error) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: err.Error()}
	}

	idx := slices.IndexFunc(s.tools, func(t Tool) bool { return t.Name == params.Name })
	if idx < 0 {
		return nil, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		}
	}
	tool := s.tools[idx]
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	if tool.schema != nil {
		vs := tool.schema.Validate(ctx, params.Arguments)
		if errs := *vs.Errs; len(errs) > 0 {
			var errStr []string
			for _, err := range errs {
				errStr = append(errStr, err.PropertyPath+": "+err.Message)
			}
			return errorResult("params validation failed: " + strings.Join(errStr, ", ")), nil
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	result, err := tool.Handler(callCtx, params.Arguments)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return result, nil
}

func errorResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
		IsError: true,
	}
}

// TextResult is a convenience for handlers answering with a single text segment.
func TextResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}
