package toolset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mxgoai/mxgo-core/mcp"
)

// TransportFactory builds the transport for a validated, normalized server config.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (mcp.ClientTransport, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// Manager opens a collection of tool servers and owns their sessions until Close. A Manager
// opens at most one registry.
type Manager struct {
	logger         *slog.Logger
	info           mcp.Info
	connectTimeout time.Duration
	observer       Observer
	newTransport   TransportFactory

	mu      sync.Mutex
	opened  bool
	closed  bool
	clients []namedClient

	closeOnce sync.Once
	closeErr  error
}

type namedClient struct {
	name   string
	client *mcp.Client
}

type openOutcome struct {
	client *mcp.Client
	tools  []mcp.Tool
	status ServerStatus
}

var (
	defaultConnectTimeout = 30 * time.Second
	defaultClientInfo     = mcp.Info{Name: "mxgo", Version: "1.0"}
)

// WithLogger sets the logger of the manager and of every session it opens.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClientInfo sets how the manager identifies itself to servers.
func WithClientInfo(info mcp.Info) ManagerOption {
	return func(m *Manager) {
		m.info = info
	}
}

// WithConnectTimeout bounds session establishment and the handshake of each server.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithObserver sets the observer notified of discoveries and invocations.
func WithObserver(observer Observer) ManagerOption {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithTransportFactory replaces how transports are built from configs.
func WithTransportFactory(factory TransportFactory) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.newTransport = factory
		}
	}
}

// NewManager creates a manager. Nothing is opened until Open.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:         slog.Default(),
		info:           defaultClientInfo,
		connectTimeout: defaultConnectTimeout,
		observer:       noopObserver{},
		newTransport:   NewTransport,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// NewTransport is the default TransportFactory.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (mcp.ClientTransport, error) {
	switch cfg.Type {
	case TransportStdio:
		return mcp.NewStdioTransport(cfg.Command, cfg.Args,
			mcp.WithStdioEnv(cfg.Env),
			mcp.WithStdioDir(cfg.Dir),
			mcp.WithStdioLogger(logger),
		), nil
	case TransportSSE:
		opts := []mcp.SSEOption{
			mcp.WithSSEHeaders(cfg.ExtraParams.Headers),
			mcp.WithSSELogger(logger),
		}
		if cfg.ExtraParams.SSEReadTimeout > 0 {
			opts = append(opts, mcp.WithSSEReadTimeout(cfg.ExtraParams.SSEReadTimeout.Std()))
		}
		return mcp.NewSSETransport(cfg.URL, &http.Client{}, opts...), nil
	}
	return nil, fmt.Errorf("unknown server type %q", cfg.Type)
}

// Open connects to every enabled server concurrently, discovers their tools and registers
// them in configuration order. Only the first server with a given name is used. Servers
// that are disabled, misconfigured, unreachable or fail discovery are skipped and reported in Registry.Servers; Open only fails when ctx is done
// or the manager was used before. The sessions stay open until Close, even on failure.
func (m *Manager) Open(ctx context.Context, configs []ServerConfig) (*Registry, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrManagerClosed
	case m.opened:
		m.mu.Unlock()
		return nil, ErrManagerUsed
	}
	m.opened = true
	m.mu.Unlock()

	outcomes := make([]openOutcome, len(configs))
	seen := make(map[string]bool, len(configs))
	var wg sync.WaitGroup
	for i, raw := range configs {
		cfg := raw.Normalize()
		outcomes[i].status = ServerStatus{Name: cfg.Name, Type: cfg.Type}

		if cfg.Name != "" && seen[cfg.Name] {
			m.logger.Warn("duplicate MCP server name, skipping", slog.String("server", cfg.Name))
			outcomes[i].status.State = ServerInvalid
			outcomes[i].status.Err = fmt.Errorf("duplicate server name %q", cfg.Name)
			continue
		}
		seen[cfg.Name] = true

		if !cfg.IsEnabled() {
			m.logger.Info("MCP server disabled, skipping", slog.String("server", cfg.Name))
			outcomes[i].status.State = ServerDisabled
			continue
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Warn("invalid MCP server config, skipping",
				slog.String("server", cfg.Name),
				slog.String("err", err.Error()),
			)
			outcomes[i].status.State = ServerInvalid
			outcomes[i].status.Err = err
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = m.openServer(ctx, cfg)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for _, o := range outcomes {
		if o.client != nil {
			m.clients = append(m.clients, namedClient{name: o.status.Name, client: o.client})
		}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to open MCP servers: %w", err)
	}

	reg := newRegistry()
	ready := 0
	for _, o := range outcomes {
		reg.servers = append(reg.servers, o.status)
		if o.client == nil {
			continue
		}
		ready++
		reg.register(o.status.Name, o.status.Type, o.tools, o.client, m.observer)
	}

	m.logger.Info("MCP tools loaded",
		slog.Int("tools", reg.Len()),
		slog.Int("servers", ready),
		slog.Int("configured", len(configs)),
	)

	return reg, nil
}

// OpenServer opens a single server. Unlike Open, the failure of that server is returned,
// alongside an empty registry.
func (m *Manager) OpenServer(ctx context.Context, cfg ServerConfig) (*Registry, error) {
	reg, err := m.Open(ctx, []ServerConfig{cfg})
	if err != nil {
		return nil, err
	}
	if status := reg.servers[0]; status.State != ServerReady {
		if status.Err != nil {
			return reg, status.Err
		}
		return reg, fmt.Errorf("server %s is %s", status.Name, status.State)
	}
	return reg, nil
}

// Close closes every session the manager opened. All sessions are closed even if some fail,
// the failures are joined. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		clients := m.clients
		m.clients = nil
		m.mu.Unlock()

		var errs []error
		for _, nc := range clients {
			if err := nc.client.Close(); err != nil {
				m.logger.Warn("failed to close MCP server",
					slog.String("server", nc.name),
					slog.String("err", err.Error()),
				)
				errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
				continue
			}
			m.logger.Debug("closed MCP server", slog.String("server", nc.name))
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// WithRegistry opens configs, runs fn with the resulting registry and closes every session
// afterwards, whatever fn returns.
func WithRegistry(ctx context.Context, configs []ServerConfig, fn func(*Registry) error, options ...ManagerOption) error {
	m := NewManager(options...)
	reg, err := m.Open(ctx, configs)
	if err != nil {
		return errors.Join(err, m.Close())
	}
	return errors.Join(fn(reg), m.Close())
}

func (m *Manager) openServer(ctx context.Context, cfg ServerConfig) openOutcome {
	start := time.Now()
	logger := m.logger.With(slog.String("server", cfg.Name))
	out := openOutcome{
		status: ServerStatus{Name: cfg.Name, Type: cfg.Type, State: ServerFailed},
	}

	fail := func(err error) openOutcome {
		logger.Warn("failed to open MCP server, skipping", slog.String("err", err.Error()))
		out.status.Err = err
		m.observer.ObserveDiscovery(ctx, DiscoveryObservation{
			Server:    cfg.Name,
			Transport: cfg.Type,
			Start:     start,
			Duration:  time.Since(start),
			Err:       err,
		})
		return out
	}

	logger.Info("connecting to MCP server", slog.String("type", cfg.Type))

	transport, err := m.newTransport(cfg, logger)
	if err != nil {
		return fail(err)
	}

	client := mcp.NewClient(m.info, transport,
		mcp.WithClientLogger(logger),
		mcp.WithClientInitTimeout(m.connectTimeout),
		mcp.WithClientCallTimeout(cfg.Timeout.Std()),
	)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return fail(err)
	}

	tools, err := client.AllTools(ctx)
	if err != nil {
		_ = client.Close()
		return fail(fmt.Errorf("failed to discover tools: %w", err))
	}

	out.client = client
	out.tools = tools
	out.status.State = ServerReady
	out.status.Tools = len(tools)
	out.status.ServerInfo = client.ServerInfo()
	out.status.Instructions = client.Instructions()

	logger.Info("MCP server ready", slog.Int("tools", len(tools)))
	m.observer.ObserveDiscovery(ctx, DiscoveryObservation{
		Server:    cfg.Name,
		Transport: cfg.Type,
		Start:     start,
		Duration:  time.Since(start),
		Tools:     len(tools),
	})

	return out
}
