package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mxgoai/mxgo-core/mcp"
)

// ServeStdio serves newline-delimited JSON-RPC from r, writing responses to w. Requests are
// handled concurrently, so responses may be written out of request order. It returns when r
// reaches EOF or ctx is done, after in-flight requests were cancelled and answered.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	write := func(msg mcp.JSONRPCMessage) {
		msgBs, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := w.Write(append(msgBs, '\n')); err != nil {
			s.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("discarding malformed line", slog.String("err", err.Error()))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, ok := s.Handle(ctx, msg); ok {
				write(resp)
			}
		}()

		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}
