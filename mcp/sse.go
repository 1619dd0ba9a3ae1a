package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements ClientTransport over Server-Sent Events: a long-lived GET stream
// carries server messages, and client messages are POSTed to the endpoint the server
// announces on that stream.
//
// Instances should be created using NewSSETransport.
type SSETransport struct {
	connectURL string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	maxPayloadSize int
	readTimeout    time.Duration
}

// SSEOption represents the options for the SSETransport.
type SSEOption func(*SSETransport)

// SSESession is the Session returned by SSETransport.
type SSESession struct {
	id         string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger
	messageURL string

	cancelStream context.CancelFunc
	idleTimer    *time.Timer
	idle         atomic.Bool

	frames chan inboundFrame
	// readErr is written by listen before frames is closed.
	readErr error

	inflightMu sync.Mutex
	inflight   map[MustString]context.CancelFunc

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

var defaultSSEReadTimeout = 5 * time.Minute

// NewSSETransport creates an SSE transport that connects to connectURL. The optional
// httpClient parameter allows custom HTTP client configuration, it falls back to
// http.DefaultClient. The client must not set an overall Timeout, as the event stream
// stays open for the whole session.
func NewSSETransport(connectURL string, httpClient *http.Client, options ...SSEOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &SSETransport{
		connectURL:  connectURL,
		httpClient:  cli,
		logger:      slog.Default(),
		readTimeout: defaultSSEReadTimeout,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithSSEHeaders sets headers sent with the stream request and every message POST.
func WithSSEHeaders(headers map[string]string) SSEOption {
	return func(t *SSETransport) {
		t.headers = headers
	}
}

// WithSSEMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session will be disconnected.
func WithSSEMaxPayloadSize(size int) SSEOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// WithSSEReadTimeout bounds how long the stream may stay silent before the session is
// considered dead. Zero disables the bound.
func WithSSEReadTimeout(d time.Duration) SSEOption {
	return func(t *SSETransport) {
		t.readTimeout = d
	}
}

// WithSSELogger sets the logger for the transport and its sessions.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(t *SSETransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// StartSession implements the ClientTransport interface. It opens the event stream and
// waits until the server announced its message endpoint. The stream is detached from ctx
// once established.
func (t *SSETransport) StartSession(ctx context.Context) (Session, error) {
	base, err := url.Parse(t.connectURL)
	if err != nil {
		return nil, &ConnectionError{Op: "parse connect URL", Err: err}
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	stopConnectBound := context.AfterFunc(ctx, cancelStream)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		stopConnectBound()
		cancelStream()
		return nil, &ConnectionError{Op: "create stream request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		stopConnectBound()
		cancelStream()
		return nil, &ConnectionError{Op: "connect to SSE server", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stopConnectBound()
		cancelStream()
		return nil, &ConnectionError{Op: "connect to SSE server", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	s := &SSESession{
		id:           uuid.New().String(),
		httpClient:   t.httpClient,
		headers:      t.headers,
		logger:       t.logger.With(slog.String("transport", "sse"), slog.String("url", t.connectURL)),
		cancelStream: cancelStream,
		frames:       make(chan inboundFrame),
		inflight:     make(map[MustString]context.CancelFunc),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	if t.readTimeout > 0 {
		s.idleTimer = time.AfterFunc(t.readTimeout, func() {
			s.idle.Store(true)
			cancelStream()
		})
	}

	endpoint := make(chan error, 1)
	go s.listen(resp.Body, base, t.maxPayloadSize, t.readTimeout, endpoint)

	select {
	case err = <-endpoint:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if !stopConnectBound() && err == nil {
		// ctx expired right as the endpoint arrived; the stream has been cancelled already.
		err = ctx.Err()
	}
	if err != nil {
		s.Close()
		return nil, &ConnectionError{Op: "wait for endpoint event", Err: err}
	}

	s.logger.Info("event stream established", slog.String("endpoint", s.messageURL))

	return s, nil
}

// ID implements the Session interface.
func (s *SSESession) ID() string { return s.id }

// Send implements the Session interface by POSTing msg to the announced endpoint. Requests
// stay abortable through Abandon while the POST is in flight.
func (s *SSESession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return &ConnectionError{Op: "send", Err: ErrSessionClosed}
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if msg.ID != "" && msg.Method != "" {
		s.inflightMu.Lock()
		s.inflight[msg.ID] = cancel
		s.inflightMu.Unlock()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, msg.ID)
			s.inflightMu.Unlock()
		}()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if reqCtx.Err() != nil {
			return fmt.Errorf("request %s aborted: %w", msg.ID, context.Canceled)
		}
		return &ConnectionError{Op: "send message", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ConnectionError{Op: "send message", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

// Receive implements the Session interface.
func (s *SSESession) Receive(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return JSONRPCMessage{}, &ConnectionError{Op: "receive", Err: s.readErr}
		}
		return f.msg, f.err
	}
}

// Abandon implements the Session interface. Only the POST carrying the request is aborted,
// if it is still in flight; the shared stream stays open and a late response is dropped by
// the client as uncorrelated.
func (s *SSESession) Abandon(id MustString) bool {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[id]
	s.inflightMu.Unlock()
	if ok {
		s.logger.Debug("aborting in-flight request", slog.String("requestID", string(id)))
		cancel()
	}
	return true
}

// Close implements the Session interface by terminating the stream read and releasing the
// connection.
func (s *SSESession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.cancelStream()
		<-s.readDone

		s.inflightMu.Lock()
		for id, cancel := range s.inflight {
			cancel()
			delete(s.inflight, id)
		}
		s.inflightMu.Unlock()

		s.logger.Info("event stream closed")
	})
	return nil
}

func (s *SSESession) listen(
	body io.ReadCloser,
	base *url.URL,
	maxPayloadSize int,
	readTimeout time.Duration,
	endpoint chan<- error,
) {
	defer close(s.readDone)
	defer close(s.frames)
	defer body.Close()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	fail := func(err error) {
		s.readErr = err
		if !announced {
			endpoint <- err
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			fail(s.streamError(err, readTimeout))
			return
		}
		if s.idleTimer != nil {
			s.idleTimer.Reset(readTimeout)
		}

		switch ev.Type {
		case "endpoint":
			if announced {
				s.logger.Warn("ignoring repeated endpoint event", slog.String("data", ev.Data))
				continue
			}
			u, err := resolveEndpoint(base, ev.Data)
			if err != nil {
				fail(err)
				return
			}
			s.messageURL = u.String()
			announced = true
			close(endpoint)
		case "message", "":
			// A message is only meaningful once the endpoint is known.
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var f inboundFrame
			if err := json.Unmarshal([]byte(ev.Data), &f.msg); err != nil {
				f.err = &ProtocolError{Frame: truncateFrame([]byte(ev.Data)), Err: err}
			}

			select {
			case s.frames <- f:
			case <-s.done:
				s.readErr = ErrSessionClosed
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	select {
	case <-s.done:
		fail(ErrSessionClosed)
	default:
		fail(errors.New("event stream ended"))
	}
}

func (s *SSESession) streamError(err error, readTimeout time.Duration) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.idle.Load() {
		return fmt.Errorf("no events received for %s", readTimeout)
	}
	return fmt.Errorf("failed to read SSE message: %w", err)
}

// resolveEndpoint resolves the announced endpoint against the stream URL and rejects
// endpoints on another origin.
func resolveEndpoint(base *url.URL, data string) (*url.URL, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, errors.New("empty endpoint URL")
	}
	ref, err := url.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint URL: %w", err)
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return nil, fmt.Errorf("endpoint origin %s://%s does not match connection origin %s://%s",
			u.Scheme, u.Host, base.Scheme, base.Host)
	}
	return u, nil
}
