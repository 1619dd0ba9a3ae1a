package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mxgoai/mxgo-core/mcp"
)

// Invoker forwards a tool call to the server that owns the tool. *mcp.Client implements it.
type Invoker interface {
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// Segment is one piece of tool output.
type Segment struct {
	Type     mcp.ContentType `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	URI      string          `json:"uri,omitempty"`
}

// Result is the outcome of a tool invocation. Succeeded is false when the server reported
// that the tool failed, Segments then carry the failure content.
type Result struct {
	Segments  []Segment `json:"segments"`
	Succeeded bool      `json:"succeeded"`
}

// Text flattens the result into a single string. Text segments are joined by newlines,
// other segments are rendered as placeholders such as "[image: image/png]".
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, seg := range r.Segments {
		switch seg.Type {
		case mcp.ContentTypeText:
			parts = append(parts, seg.Text)
		case mcp.ContentTypeResource:
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			} else {
				parts = append(parts, fmt.Sprintf("[resource: %s]", seg.URI))
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s: %s]", seg.Type, seg.MimeType))
		}
	}
	return strings.Join(parts, "\n")
}

func newResult(res mcp.CallToolResult) Result {
	segments := make([]Segment, 0, len(res.Content))
	for _, c := range res.Content {
		seg := Segment{
			Type:     c.Type,
			Text:     c.Text,
			Data:     c.Data,
			MimeType: c.MimeType,
		}
		if c.Resource != nil {
			seg.URI = c.Resource.URI
			seg.Text = c.Resource.Text
			seg.Data = c.Resource.Blob
			seg.MimeType = c.Resource.MimeType
		}
		segments = append(segments, seg)
	}
	return Result{Segments: segments, Succeeded: !res.IsError}
}

// Tool is a server tool adapted to the host's calling contract.
type Tool struct {
	// Name is the sanitized, registry-unique name the host calls the tool by.
	Name string
	// OriginalName is the name the server declared, used on the wire.
	OriginalName string
	Server       string
	Description  string
	Inputs       Inputs
	OutputType   string

	transport string
	client    Invoker
	observer  Observer
}

// Info describes an adapted tool.
type Info struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Inputs       Inputs `json:"inputs"`
	OutputType   string `json:"output_type"`
	OriginalName string `json:"original_name"`
	Server       string `json:"server"`
}

// NewTool adapts the server tool def, reachable through client, under name.
func NewTool(server, name string, def mcp.Tool, client Invoker) *Tool {
	desc := def.Description
	if desc == "" {
		desc = "MCP tool: " + def.Name
	}
	return &Tool{
		Name:         name,
		OriginalName: def.Name,
		Server:       server,
		Description:  desc,
		Inputs:       ConvertSchema(def.InputSchema),
		OutputType:   "string",
		client:       client,
		observer:     noopObserver{},
	}
}

// Info returns the tool description.
func (t *Tool) Info() Info {
	return Info{
		Name:         t.Name,
		Description:  t.Description,
		Inputs:       t.Inputs,
		OutputType:   t.OutputType,
		OriginalName: t.OriginalName,
		Server:       t.Server,
	}
}

// Invoke calls the tool with named arguments. When the server reports a tool failure the
// returned Result has Succeeded unset and the error is an *InvocationError. Transport
// failures keep their mcp error types, such as *mcp.TimeoutError.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	result, err := t.invoke(ctx, args)

	obs := InvokeObservation{
		Tool:      t.Name,
		Server:    t.Server,
		Transport: t.transport,
		Start:     start,
		Duration:  time.Since(start),
		Success:   err == nil,
		ErrorKind: errorKind(err),
	}
	t.observer.ObserveInvoke(ctx, obs)

	return result, err
}

// InvokePositional calls the tool with positional arguments, mapped onto the inputs in
// declaration order. Extra values are dropped. A single map argument is passed through as
// the named arguments.
func (t *Tool) InvokePositional(ctx context.Context, values ...any) (Result, error) {
	if len(values) == 1 {
		if m, ok := values[0].(map[string]any); ok {
			return t.Invoke(ctx, m)
		}
	}

	args := make(map[string]any, len(values))
	for i, v := range values {
		if i >= len(t.Inputs) {
			break
		}
		args[t.Inputs[i].Name] = v
	}
	return t.Invoke(ctx, args)
}

func (t *Tool) invoke(ctx context.Context, args map[string]any) (Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	argsBs, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal arguments for %s: %w", t.Name, err)
	}

	res, err := t.client.CallTool(ctx, mcp.CallToolParams{
		Name:      t.OriginalName,
		Arguments: argsBs,
	})
	if err != nil {
		var rpcErr *mcp.JSONRPCError
		if errors.As(err, &rpcErr) {
			result := Result{
				Segments: []Segment{{Type: mcp.ContentTypeText, Text: rpcErr.Message}},
			}
			return result, &InvocationError{
				Tool:    t.Name,
				Server:  t.Server,
				Message: rpcErr.Message,
				Code:    rpcErr.Code,
			}
		}
		return Result{}, fmt.Errorf("failed to invoke %s on %s: %w", t.Name, t.Server, err)
	}

	result := newResult(res)
	if !result.Succeeded {
		return result, &InvocationError{
			Tool:    t.Name,
			Server:  t.Server,
			Message: result.Text(),
		}
	}
	return result, nil
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}

	var (
		invErr   *InvocationError
		toErr    *mcp.TimeoutError
		connErr  *mcp.ConnectionError
		protoErr *mcp.ProtocolError
	)
	switch {
	case errors.As(err, &invErr):
		return "tool_error"
	case errors.As(err, &toErr):
		return "timeout"
	case errors.As(err, &connErr), errors.Is(err, mcp.ErrNotReady):
		return "connection"
	case errors.As(err, &protoErr):
		return "protocol"
	}
	return "other"
}
