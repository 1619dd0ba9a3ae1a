package toolset

import (
	"context"
	"time"
)

// InvokeObservation captures one tool invocation.
type InvokeObservation struct {
	Tool      string
	Server    string
	Transport string
	Start     time.Time
	Duration  time.Duration
	Success   bool
	// ErrorKind classifies failures: "tool_error", "timeout", "connection", "protocol" or
	// "other". Empty on success.
	ErrorKind string
}

// DiscoveryObservation captures the outcome of opening one server.
type DiscoveryObservation struct {
	Server    string
	Transport string
	Start     time.Time
	Duration  time.Duration
	Tools     int
	Err       error
}

// Observer receives invocation and discovery signals. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveInvoke(ctx context.Context, observation InvokeObservation)
	ObserveDiscovery(ctx context.Context, observation DiscoveryObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(context.Context, InvokeObservation)       {}
func (noopObserver) ObserveDiscovery(context.Context, DiscoveryObservation) {}
