package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`

	// rawID keeps the id as it appeared on the wire, so replies to server requests echo
	// numeric ids as numbers.
	rawID json.RawMessage
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional information about the error.
	Data any `json:"data,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the tool name exactly as the server declared it.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy required arguments defined in tool's InputSchema field.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the tool ran and reported a failure, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Tool describes a tool exposed by a server.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities. Only the tool capability is
// interpreted, the rest are kept so they can be reported.
type ServerCapabilities struct {
	Prompts   json.RawMessage  `json:"prompts,omitempty"`
	Resources json.RawMessage  `json:"resources,omitempty"`
	Tools     *ToolsCapability `json:"tools,omitempty"`
	Logging   json.RawMessage  `json:"logging,omitempty"`
}

// ClientCapabilities represents client capabilities. A tool client advertises none.
type ClientCapabilities struct{}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LogLevel represents the severity level of log messages sent by a server.
type LogLevel string

// LogParams represents the parameters for a log message notification.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	ProgressToken MustString `json:"progressToken"`
	Progress      float64    `json:"progress"`
	Total         float64    `json:"total,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the protocol revision the client offers during the handshake.
	ProtocolVersion = "2024-11-05"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"
	// MethodPing is the method name used by either side to check liveness.
	MethodPing = "ping"
	// MethodInitialize is the method name of the capability handshake request.
	MethodInitialize = "initialize"

	MethodNotificationsInitialized      = "notifications/initialized"
	MethodNotificationsCancelled        = "notifications/cancelled"
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	MethodNotificationsProgress         = "notifications/progress"
	MethodNotificationsMessage          = "notifications/message"

	userCancelledReason = "Request timed out or was cancelled by the client"

	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603
)

// SupportedProtocolVersions lists the server protocol revisions the handshake accepts.
var SupportedProtocolVersions = []string{ProtocolVersion, "2025-03-26"}

// IsResponse reports whether the message answers a request.
func (m JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && m.ID != ""
}

// IsNotification reports whether the message is a notification.
func (m JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == ""
}

// UnmarshalJSON decodes a message and remembers the wire form of its id.
func (m *JSONRPCMessage) UnmarshalJSON(data []byte) error {
	type message JSONRPCMessage
	aux := struct {
		*message
		ID json.RawMessage `json:"id,omitempty"`
	}{message: (*message)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.ID = ""
	m.rawID = nil
	if len(aux.ID) == 0 {
		return nil
	}
	if err := json.Unmarshal(aux.ID, &m.ID); err != nil {
		return err
	}
	if m.ID != "" {
		m.rawID = slices.Clone(aux.ID)
	}
	return nil
}

// MarshalJSON encodes the message. A message built by replyTo carries the request id in
// its original form.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	type message JSONRPCMessage
	if len(m.rawID) == 0 {
		return json.Marshal(message(m))
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *JSONRPCError   `json:"error,omitempty"`
	}{m.JSONRPC, m.rawID, m.Method, m.Params, m.Result, m.Error})
}

// replyTo returns an empty response addressed to the request msg.
func replyTo(msg JSONRPCMessage) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		rawID:   msg.rawID,
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats. A null id decodes to the empty string.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j *JSONRPCError) Error() string {
	if j.Data != nil {
		return fmt.Sprintf("request error, code: %d, message: %s, data: %v", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
