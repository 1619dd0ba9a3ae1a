package toolset

import (
	"errors"
	"fmt"
)

var (
	// ErrManagerUsed is returned by Manager.Open when the manager already opened a registry.
	ErrManagerUsed = errors.New("manager already opened")

	// ErrManagerClosed is returned by Manager.Open after Close.
	ErrManagerClosed = errors.New("manager closed")
)

// ToolNotFoundError is returned when an invocation names a tool absent from the registry.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// InvocationError reports that a server executed a tool but the tool failed. Message carries
// the failure content reported by the server. Code is set when the server answered with a
// JSON-RPC error instead of an isError result.
type InvocationError struct {
	Tool    string
	Server  string
	Message string
	Code    int
}

func (e *InvocationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s on %s failed (code %d): %s", e.Tool, e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Server, e.Message)
}
