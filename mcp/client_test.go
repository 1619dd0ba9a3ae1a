package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mxgoai/mxgo-core/mcp"
	"github.com/mxgoai/mxgo-core/mcp/mcptest"
)

type fakeTransport struct {
	session *fakeSession
}

type fakeSession struct {
	toClient   chan mcp.JSONRPCMessage
	fromClient chan mcp.JSONRPCMessage
	done       chan struct{}
	closeOnce  sync.Once
	usable     bool
}

func newFakeTransport(usable bool) *fakeTransport {
	return &fakeTransport{
		session: &fakeSession{
			toClient:   make(chan mcp.JSONRPCMessage, 16),
			fromClient: make(chan mcp.JSONRPCMessage, 16),
			done:       make(chan struct{}),
			usable:     usable,
		},
	}
}

func (f *fakeTransport) StartSession(context.Context) (mcp.Session, error) {
	return f.session, nil
}

func (s *fakeSession) ID() string { return "fake" }

func (s *fakeSession) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	select {
	case s.fromClient <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &mcp.ConnectionError{Op: "send", Err: mcp.ErrSessionClosed}
	}
}

func (s *fakeSession) Receive(ctx context.Context) (mcp.JSONRPCMessage, error) {
	select {
	case msg := <-s.toClient:
		return msg, nil
	case <-ctx.Done():
		return mcp.JSONRPCMessage{}, ctx.Err()
	case <-s.done:
		return mcp.JSONRPCMessage{}, &mcp.ConnectionError{Op: "receive", Err: mcp.ErrSessionClosed}
	}
}

func (s *fakeSession) Abandon(mcp.MustString) bool { return s.usable }

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// next returns the next message sent by the client, skipping notifications. It may be
// called from goroutines other than the test's.
func (s *fakeSession) next(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()
	for {
		select {
		case msg := <-s.fromClient:
			if msg.IsNotification() {
				continue
			}
			return msg
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for client message")
			return mcp.JSONRPCMessage{}
		}
	}
}

func (s *fakeSession) reply(id mcp.MustString, result string) {
	s.toClient <- mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(result),
	}
}

// handshake answers the initialize request of a connecting client.
func (s *fakeSession) handshake(t *testing.T) {
	t.Helper()
	req := s.next(t)
	if req.Method != mcp.MethodInitialize {
		t.Errorf("expected initialize request, got %q", req.Method)
		return
	}
	s.reply(req.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"0.1"}}`)
}

func connectFake(t *testing.T, transport *fakeTransport, opts ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	go transport.session.handshake(t)
	return connectClient(t, transport, opts...)
}

func TestClientConnectAndListTools(t *testing.T) {
	cli := connectClient(t, helperTransport("serve", nil))

	if cli.State() != mcp.StateReady {
		t.Errorf("expected state ready, got %s", cli.State())
	}
	if name := cli.ServerInfo().Name; name != "helper" {
		t.Errorf("expected server name helper, got %q", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := cli.AllTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}

	want := make([]string, 0)
	for _, tool := range mcptest.DefaultTools() {
		want = append(want, tool.Name)
	}
	got := make([]string, 0, len(tools))
	for _, tool := range tools {
		got = append(got, tool.Name)
	}
	if !slices.Equal(got, want) {
		t.Errorf("expected tools %v, got %v", want, got)
	}
}

func TestClientAllToolsFollowsCursor(t *testing.T) {
	url := sseServer(t, mcptest.NewServer("paged", mcptest.WithPageSize(2)))
	cli := connectClient(t, mcp.NewSSETransport(url, nil, mcp.WithSSELogger(discardLogger())))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list first page: %v", err)
	}
	if len(first.Tools) != 2 || first.NextCursor == "" {
		t.Fatalf("expected a first page of 2 tools with a cursor, got %d tools and cursor %q",
			len(first.Tools), first.NextCursor)
	}

	tools, err := cli.AllTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools) != len(mcptest.DefaultTools()) {
		t.Errorf("expected %d tools, got %d", len(mcptest.DefaultTools()), len(tools))
	}
}

func TestClientConcurrentCallsDoNotCrossTalk(t *testing.T) {
	transports := map[string]mcp.ClientTransport{
		"stdio": helperTransport("serve", nil),
		"sse": mcp.NewSSETransport(sseServer(t, mcptest.NewServer("sse")), nil,
			mcp.WithSSELogger(discardLogger())),
	}

	for name, transport := range transports {
		t.Run(name, func(t *testing.T) {
			cli := connectClient(t, transport)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			const calls = 20
			var wg sync.WaitGroup
			errs := make(chan error, calls)
			for i := range calls {
				wg.Add(1)
				go func() {
					defer wg.Done()

					var (
						result mcp.CallToolResult
						err    error
						want   string
					)
					if i%2 == 0 {
						want = fmt.Sprintf("message-%d", i)
						args, _ := json.Marshal(map[string]any{"message": want})
						result, err = cli.CallTool(ctx, mcp.CallToolParams{Name: "echo", Arguments: args})
					} else {
						want = fmt.Sprintf("%d", i+1000)
						args, _ := json.Marshal(map[string]any{"a": i, "b": 1000})
						result, err = cli.CallTool(ctx, mcp.CallToolParams{Name: "add", Arguments: args})
					}
					if err != nil {
						errs <- fmt.Errorf("call %d: %w", i, err)
						return
					}
					if got := textOf(result); got != want {
						errs <- fmt.Errorf("call %d: expected %q, got %q", i, want, got)
					}
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestClientOutOfOrderResponses(t *testing.T) {
	transport := newFakeTransport(true)
	cli := connectFake(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := cli.Go(ctx, "custom/first", nil)
	if err != nil {
		t.Fatalf("failed to send first request: %v", err)
	}
	second, err := cli.Go(ctx, "custom/second", nil)
	if err != nil {
		t.Fatalf("failed to send second request: %v", err)
	}

	req1 := transport.session.next(t)
	req2 := transport.session.next(t)
	if req1.ID == req2.ID {
		t.Fatalf("expected distinct request ids, both were %q", req1.ID)
	}

	transport.session.reply(req2.ID, `"second"`)
	transport.session.reply(req1.ID, `"first"`)

	for _, tc := range []struct {
		call *mcp.Call
		want string
	}{
		{first, "first"},
		{second, "second"},
	} {
		select {
		case <-tc.call.Done():
		case <-ctx.Done():
			t.Fatalf("call %s never completed", tc.call.Method)
		}
		var got string
		if err := tc.call.Decode(&got); err != nil {
			t.Fatalf("failed to decode %s: %v", tc.call.Method, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.call.Method, tc.want, got)
		}
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	transport := newFakeTransport(true)
	_ = connectFake(t, transport)

	transport.session.toClient <- mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "server-ping",
		Method:  mcp.MethodPing,
	}
	transport.session.toClient <- mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "server-sampling",
		Method:  "sampling/createMessage",
	}

	replies := map[mcp.MustString]mcp.JSONRPCMessage{}
	for len(replies) < 2 {
		msg := transport.session.next(t)
		replies[msg.ID] = msg
	}

	if ping := replies["server-ping"]; ping.Error != nil || string(ping.Result) != "{}" {
		t.Errorf("expected empty result for ping, got result %s error %v", ping.Result, ping.Error)
	}
	sampling := replies["server-sampling"]
	if sampling.Error == nil || sampling.Error.Code != mcp.JSONRPCMethodNotFoundCode {
		t.Errorf("expected method not found for unsupported request, got %+v", sampling.Error)
	}
}

func TestClientPingReplyKeepsNumericID(t *testing.T) {
	transport := newFakeTransport(true)
	_ = connectFake(t, transport)

	for _, frame := range []string{
		`{"jsonrpc":"2.0","id":7,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":"8","method":"ping"}`,
	} {
		var req mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(frame), &req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		transport.session.toClient <- req
	}

	got := map[string]bool{}
	for range 2 {
		reply, err := json.Marshal(transport.session.next(t))
		if err != nil {
			t.Fatalf("failed to encode reply: %v", err)
		}
		var decoded struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(reply, &decoded); err != nil {
			t.Fatalf("failed to decode reply %s: %v", reply, err)
		}
		got[string(decoded.ID)] = true
	}

	if !got[`7`] {
		t.Errorf("expected numeric id 7 echoed as a number, got ids %v", got)
	}
	if !got[`"8"`] {
		t.Errorf("expected string id \"8\" echoed as a string, got ids %v", got)
	}
}

func TestClientIgnoresUncorrelatedResponse(t *testing.T) {
	transport := newFakeTransport(true)
	cli := connectFake(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport.session.reply("nobody-asked", `{}`)

	go func() {
		req := transport.session.next(t)
		transport.session.reply(req.ID, `{}`)
	}()

	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed after uncorrelated response, got %v", err)
	}
}

func TestClientJSONRPCErrorResponse(t *testing.T) {
	transport := newFakeTransport(true)
	cli := connectFake(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		req := transport.session.next(t)
		transport.session.toClient <- mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      req.ID,
			Error:   &mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: "unknown tool"},
		}
	}()

	_, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "missing"})
	var rpcErr *mcp.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *mcp.JSONRPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != mcp.JSONRPCInvalidParamsCode {
		t.Errorf("expected code %d, got %d", mcp.JSONRPCInvalidParamsCode, rpcErr.Code)
	}
}

func TestClientCallToolIsError(t *testing.T) {
	url := sseServer(t, mcptest.NewServer("failing"))
	cli := connectClient(t, mcp.NewSSETransport(url, nil, mcp.WithSSELogger(discardLogger())))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "fail",
		Arguments: json.RawMessage(`{"message":"disk full"}`),
	})
	if err != nil {
		t.Fatalf("expected isError result, not a call error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError to be set")
	}
	if got := textOf(result); got != "disk full" {
		t.Errorf("expected failure text, got %q", got)
	}
}

func TestClientTimeoutKillsStdioServer(t *testing.T) {
	transport := helperTransport("serve", nil)
	cli := connectClient(t, transport, mcp.WithClientCallTimeout(300*time.Millisecond))
	sess, ok := cli.Session().(*mcp.StdioSession)
	if !ok {
		t.Fatalf("expected *mcp.StdioSession, got %T", cli.Session())
	}

	start := time.Now()
	_, err := cli.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "sleep",
		Arguments: json.RawMessage(`{"seconds":30}`),
	})
	var timeoutErr *mcp.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *mcp.TimeoutError, got %T: %v", err, err)
	}
	if timeoutErr.Method != mcp.MethodToolsCall {
		t.Errorf("expected method %s, got %s", mcp.MethodToolsCall, timeoutErr.Method)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout surfaced after %s", elapsed)
	}

	select {
	case <-sess.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("server process still running after timeout")
	}

	if cli.State() != mcp.StateFailed {
		t.Errorf("expected state failed, got %s", cli.State())
	}
	if _, err := cli.CallTool(context.Background(), mcp.CallToolParams{Name: "echo"}); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("expected ErrNotReady after teardown, got %v", err)
	}
}

func TestClientTimeoutKeepsSSESession(t *testing.T) {
	srv := mcptest.NewServer("slow")
	url := sseServer(t, srv)
	cli := connectClient(t, mcp.NewSSETransport(url, nil, mcp.WithSSELogger(discardLogger())),
		mcp.WithClientCallTimeout(300*time.Millisecond))

	_, err := cli.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "sleep",
		Arguments: json.RawMessage(`{"seconds":30}`),
	})
	var timeoutErr *mcp.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *mcp.TimeoutError, got %T: %v", err, err)
	}
	if !timeoutErr.Timeout() {
		t.Error("expected Timeout() to report true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"still here"}`),
	})
	if err != nil {
		t.Fatalf("expected session to survive timeout, got %v", err)
	}
	if got := textOf(result); got != "still here" {
		t.Errorf("expected echo, got %q", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !slices.Contains(srv.Received(), mcp.MethodNotificationsCancelled) {
		if time.Now().After(deadline) {
			t.Fatal("server never received a cancellation notice")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClientContextCancelKeepsSession(t *testing.T) {
	cli := connectClient(t, helperTransport("serve", nil))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "sleep",
		Arguments: json.RawMessage(`{"seconds":30}`),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var timeoutErr *mcp.TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Error("cancellation must not be reported as a timeout")
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := cli.Ping(pingCtx); err != nil {
		t.Errorf("expected session to survive cancellation, got %v", err)
	}
}

func TestClientTimeoutFailsOtherPendingCalls(t *testing.T) {
	transport := newFakeTransport(false)
	cli := connectFake(t, transport, mcp.WithClientCallTimeout(200*time.Millisecond))

	other, err := cli.Go(context.Background(), "custom/other", nil)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	err = cli.Call(context.Background(), "custom/slow", nil, nil)
	var timeoutErr *mcp.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *mcp.TimeoutError, got %T: %v", err, err)
	}

	select {
	case <-other.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("other pending call was not failed")
	}
	var connErr *mcp.ConnectionError
	if err := other.Decode(nil); !errors.As(err, &connErr) {
		t.Errorf("expected *mcp.ConnectionError for other call, got %T: %v", err, err)
	}
}

func TestClientHandshakeVersionMismatch(t *testing.T) {
	transport := helperTransport("badversion", nil)
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport,
		mcp.WithClientLogger(discardLogger()))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cli.Connect(ctx)
	var handshakeErr *mcp.HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("expected *mcp.HandshakeError, got %T: %v", err, err)
	}
	if cli.State() != mcp.StateFailed {
		t.Errorf("expected state failed, got %s", cli.State())
	}
}

func TestClientToleratesMalformedFrames(t *testing.T) {
	cli := connectClient(t, helperTransport("serve", map[string]string{"MCP_HELPER_GARBAGE": "3"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Ping(ctx); err != nil {
		t.Errorf("expected ping to succeed, got %v", err)
	}
}

func TestClientMalformedFrameThreshold(t *testing.T) {
	transport := helperTransport("serve", map[string]string{"MCP_HELPER_GARBAGE": "20"})
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport,
		mcp.WithClientLogger(discardLogger()),
		mcp.WithProtocolErrorThreshold(5))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cli.Connect(ctx)
	var handshakeErr *mcp.HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("expected *mcp.HandshakeError, got %T: %v", err, err)
	}
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("expected handshake failure caused by *mcp.ConnectionError, got %v", err)
	}
}

func TestClientInvalidVersionFramesCountAsMalformed(t *testing.T) {
	transport := newFakeTransport(true)
	cli := connectFake(t, transport, mcp.WithProtocolErrorThreshold(3))

	bad := mcp.JSONRPCMessage{JSONRPC: "1.0", Method: mcp.MethodPing, ID: "old"}

	// A valid frame in between resets the count.
	transport.session.toClient <- bad
	transport.session.toClient <- bad
	transport.session.toClient <- mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/unknown"}
	transport.session.toClient <- bad
	transport.session.toClient <- bad

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		req := transport.session.next(t)
		transport.session.reply(req.ID, `{}`)
	}()
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed below the threshold, got %v", err)
	}

	for range 3 {
		transport.session.toClient <- bad
	}

	deadline := time.Now().Add(5 * time.Second)
	for cli.State() != mcp.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("expected state failed after repeated invalid frames, got %s", cli.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	err := cli.Ping(ctx)
	if !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("expected ErrNotReady after the session failed, got %v", err)
	}
}

func TestClientWithoutToolsCapability(t *testing.T) {
	url := sseServer(t, mcptest.NewServer("toolless", mcptest.WithoutToolsCapability()))
	cli := connectClient(t, mcp.NewSSETransport(url, nil, mcp.WithSSELogger(discardLogger())))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := cli.AllTools(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("expected no tools, got %d", len(tools))
	}
	if _, err := cli.ListTools(ctx, mcp.ListToolsParams{}); !errors.Is(err, mcp.ErrToolsUnsupported) {
		t.Errorf("expected ErrToolsUnsupported, got %v", err)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	cli := connectClient(t, helperTransport("serve", nil))

	if err := cli.Close(); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Errorf("expected second close to return nil, got %v", err)
	}
	if cli.State() != mcp.StateClosed {
		t.Errorf("expected state closed, got %s", cli.State())
	}
	if err := cli.Ping(context.Background()); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("expected ErrNotReady after close, got %v", err)
	}
}

func TestClientRequestBeforeConnect(t *testing.T) {
	cli := mcp.NewClient(mcp.Info{Name: "test-client"}, newFakeTransport(true))

	if _, err := cli.CallTool(context.Background(), mcp.CallToolParams{Name: "echo"}); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Errorf("expected close of unconnected client to succeed, got %v", err)
	}
}

func TestClientToolListWatcher(t *testing.T) {
	transport := newFakeTransport(true)
	watcher := &countingWatcher{changed: make(chan struct{}, 1)}
	_ = connectFake(t, transport, mcp.WithToolListWatcher(watcher))

	transport.session.toClient <- mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodNotificationsToolsListChanged,
	}

	select {
	case <-watcher.changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher was not notified")
	}
}

type countingWatcher struct {
	changed chan struct{}
}

func (w *countingWatcher) OnToolListChanged() {
	w.changed <- struct{}{}
}
