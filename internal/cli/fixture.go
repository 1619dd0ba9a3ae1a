package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxgoai/mxgo-core/mcp/mcptest"
)

func (a *app) newServeFixtureCmd() *cobra.Command {
	var (
		sseAddr  string
		name     string
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "serve-fixture",
		Short: "Serve the built-in test tools over stdio or SSE",
		Long: "serve-fixture runs an MCP server offering echo, add, sleep, fail and a few oddly named tools. " +
			"It speaks stdio by default, or SSE when --sse is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := mcptest.NewServer(name,
				mcptest.WithPageSize(pageSize),
				mcptest.WithLogger(a.logger),
			)

			if sseAddr == "" {
				a.logger.Info("serving fixture over stdio", slog.String("name", name))
				return srv.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return serveSSE(cmd.Context(), a.logger, srv, sseAddr)
		},
	}
	cmd.Flags().StringVar(&sseAddr, "sse", "", "Listen address for SSE, e.g. :8080")
	cmd.Flags().StringVar(&name, "name", "mxgo-fixture", "Server name reported to clients")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Split tools/list into pages of this size")
	return cmd
}

func serveSSE(ctx context.Context, logger *slog.Logger, srv *mcptest.Server, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.SSEHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving fixture over SSE", slog.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return exitError(exitRuntime, "%v", err)
	case <-ctx.Done():
	}

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
