package toolset

import (
	"context"
	"slices"

	"github.com/mxgoai/mxgo-core/mcp"
)

// ServerState is the availability of a configured server after Open.
type ServerState string

const (
	ServerReady    ServerState = "ready"
	ServerFailed   ServerState = "failed"
	ServerDisabled ServerState = "disabled"
	ServerInvalid  ServerState = "invalid"
)

// ServerStatus summarizes what happened to one configured server.
type ServerStatus struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	State        ServerState `json:"state"`
	Tools        int         `json:"tools"`
	ServerInfo   mcp.Info    `json:"server_info,omitzero"`
	Instructions string      `json:"instructions,omitempty"`
	Err          error       `json:"-"`
}

// Registry is the aggregate set of adapted tools from every available server. It is built
// once by Manager.Open and read-only afterwards, so it may be shared between goroutines.
type Registry struct {
	tools   []*Tool
	byName  map[string]*Tool
	servers []ServerStatus
	names   nameSet
}

func newRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Tool),
		names:  make(nameSet),
	}
}

// register adapts defs in discovery order and adds them under registry-unique names.
func (r *Registry) register(server, transport string, defs []mcp.Tool, client Invoker, observer Observer) []*Tool {
	added := make([]*Tool, 0, len(defs))
	for _, def := range defs {
		name := r.names.claim(SanitizeName(def.Name))
		t := NewTool(server, name, def, client)
		t.transport = transport
		t.observer = observer

		r.tools = append(r.tools, t)
		r.byName[name] = t
		added = append(added, t)
	}
	return added
}

// Tools returns every adapted tool in registration order.
func (r *Registry) Tools() []*Tool {
	return slices.Clone(r.tools)
}

// Infos returns the descriptions of every adapted tool in registration order.
func (r *Registry) Infos() []Info {
	infos := make([]Info, len(r.tools))
	for i, t := range r.tools {
		infos[i] = t.Info()
	}
	return infos
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Invoke calls the tool registered under name. An unknown name yields *ToolNotFoundError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	t, ok := r.byName[name]
	if !ok {
		return Result{}, &ToolNotFoundError{Name: name}
	}
	return t.Invoke(ctx, args)
}

// Servers returns the status of every configured server in configuration order.
func (r *Registry) Servers() []ServerStatus {
	return slices.Clone(r.servers)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
