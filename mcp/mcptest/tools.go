package mcptest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mxgoai/mxgo-core/mcp"
)

// A 1x1 transparent PNG.
const tinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// DefaultTools returns the fixture tool set:
//
//	echo           echoes message back
//	add            adds a and b
//	sleep          waits for seconds before answering, honoring cancellation
//	fail           answers with an isError result carrying message
//	getTinyImage   answers with an image and a text segment
//	printEnv       answers with the value of environment variable name
//	odd-name.tool  has no schema and an awkward name
//	123start       has a name starting with a digit
//	class          has a reserved name
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "Echoes back the input",
			InputSchema: `{
  "type": "object",
  "properties": {
    "message": { "type": "string", "description": "Message to echo" }
  },
  "required": ["message"]
}`,
			Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
				message, _ := args["message"].(string)
				return TextResult(message), nil
			},
		},
		{
			Name:        "add",
			Description: "Adds two numbers",
			InputSchema: `{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`,
			Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return TextResult(fmt.Sprintf("%g", a+b)), nil
			},
		},
		{
			Name:        "sleep",
			Description: "Waits before answering",
			InputSchema: `{
  "type": "object",
  "properties": {
    "seconds": { "type": "number" }
  },
  "required": ["seconds"]
}`,
			Handler: func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error) {
				seconds, _ := args["seconds"].(float64)
				select {
				case <-time.After(time.Duration(seconds * float64(time.Second))):
					return TextResult("done"), nil
				case <-ctx.Done():
					return mcp.CallToolResult{}, ctx.Err()
				}
			},
		},
		{
			Name:        "fail",
			Description: "Always reports a failure",
			InputSchema: `{
  "type": "object",
  "properties": {
    "message": { "type": ["string", "null"] }
  }
}`,
			Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
				message, _ := args["message"].(string)
				if message == "" {
					message = "tool failed"
				}
				return mcp.CallToolResult{}, errors.New(message)
			},
		},
		{
			Name:        "getTinyImage",
			Description: "Returns a tiny image",
			Handler: func(context.Context, map[string]any) (mcp.CallToolResult, error) {
				return mcp.CallToolResult{
					Content: []mcp.Content{
						{Type: mcp.ContentTypeImage, Data: tinyImage, MimeType: "image/png"},
						{Type: mcp.ContentTypeText, Text: "tiny image"},
					},
				}, nil
			},
		},
		{
			Name:        "printEnv",
			Description: "Prints an environment variable",
			InputSchema: `{
  "type": "object",
  "properties": {
    "name": { "type": "string" }
  },
  "required": ["name"]
}`,
			Handler: func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
				name, _ := args["name"].(string)
				return TextResult(os.Getenv(name)), nil
			},
		},
		{
			Name: "odd-name.tool",
			Handler: func(context.Context, map[string]any) (mcp.CallToolResult, error) {
				return TextResult("odd"), nil
			},
		},
		{
			Name:        "123start",
			Description: "Starts with a digit",
			InputSchema: `{"type": "object", "properties": {}}`,
			Handler: func(context.Context, map[string]any) (mcp.CallToolResult, error) {
				return TextResult("digits"), nil
			},
		},
		{
			Name:        "class",
			Description: "Has a reserved name",
			InputSchema: `{"type": "object", "properties": {}}`,
			Handler: func(context.Context, map[string]any) (mcp.CallToolResult, error) {
				return TextResult("reserved"), nil
			},
		},
	}
}
