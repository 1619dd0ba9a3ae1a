package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Call represents an active request. It is modeled on net/rpc: Go starts a request and
// returns the Call, whose Done channel is closed once the response or a session failure
// arrived.
type Call struct {
	ID     MustString
	Method string
	Issued time.Time

	done     chan struct{}
	once     sync.Once
	response JSONRPCMessage
	err      error
}

var cancelNoticeTimeout = 2 * time.Second

// Done returns a channel that is closed when the call completes.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Response returns the raw response frame. It must only be called after Done is closed.
func (call *Call) Response() (JSONRPCMessage, error) {
	return call.response, call.err
}

// Decode unmarshals the call result into v, which may be nil to discard it. It must only
// be called after Done is closed. A JSON-RPC error response is returned as *JSONRPCError.
func (call *Call) Decode(v any) error {
	if call.err != nil {
		return call.err
	}
	if call.response.Error != nil {
		return fmt.Errorf("result error: %w", call.response.Error)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(call.response.Result, v); err != nil {
		return &ProtocolError{
			Frame: truncateFrame(call.response.Result),
			Err:   fmt.Errorf("failed to unmarshal %s result: %w", call.Method, err),
		}
	}
	return nil
}

func (call *Call) finish(msg JSONRPCMessage, err error) {
	call.once.Do(func() {
		call.response = msg
		call.err = err
		close(call.done)
	})
}

// Go sends a request and returns without waiting for the response. The returned Call
// completes when the response arrives; there is no timeout on it, callers that stop waiting
// should use Call instead.
func (c *Client) Go(ctx context.Context, method string, params any) (*Call, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	call, err := c.dispatch(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Call sends a request and blocks until its response arrives, ctx is done or the client's
// call timeout elapses, whichever comes first. The result is decoded into result, which may
// be nil.
//
// When the deadline passes the request is abandoned: the server gets a cancellation notice
// and a late response is discarded. If the session can't survive the abandoned request, as
// with a process server that stopped answering, it is torn down and every other pending
// request fails with *ConnectionError. The caller always gets a *TimeoutError.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.roundTrip(ctx, method, params, result, c.callTimeout)
}

func (c *Client) roundTrip(ctx context.Context, method string, params any, result any, timeout time.Duration) error {
	limit := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < limit {
			limit = remaining
		}
	}

	tCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call, err := c.dispatch(tCtx, method, params)
	if err != nil {
		if call != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) {
			c.abandon(call, "send timed out")
			return &TimeoutError{Method: method, Limit: limit}
		}
		return err
	}

	select {
	case <-call.Done():
		return call.Decode(result)
	case <-tCtx.Done():
	}

	select {
	case <-call.Done():
		// The response raced the deadline.
		return call.Decode(result)
	default:
	}

	if errors.Is(tCtx.Err(), context.DeadlineExceeded) {
		c.abandon(call, "request timed out")
		return &TimeoutError{Method: method, Limit: limit}
	}

	if c.forget(call.ID) {
		go c.notifyCancelled(call.ID, userCancelledReason)
	}
	return fmt.Errorf("request %s: %w", method, ctx.Err())
}

// dispatch registers and sends a request. On a send failure the call is returned alongside
// the error, already unregistered.
func (c *Client) dispatch(ctx context.Context, method string, params any) (*Call, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	call := &Call{
		ID:     msg.ID,
		Method: method,
		Issued: time.Now(),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.stopped {
		reason := c.stopReason
		c.mu.Unlock()
		return nil, reason
	}
	c.pending[call.ID] = call
	c.mu.Unlock()

	c.logger.Log(ctx, LevelTrace, "sending frame", slog.String("method", method), slog.String("id", string(call.ID)))
	if err := c.session.Send(ctx, msg); err != nil {
		c.forget(call.ID)
		return call, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	return call, nil
}

// forget unregisters a pending call. It reports whether the call was still pending.
func (c *Client) forget(id MustString) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) abandon(call *Call, reason string) {
	c.forget(call.ID)

	go c.notifyCancelled(call.ID, reason)
	if c.session.Abandon(call.ID) {
		return
	}

	c.logger.Warn("tearing down session after abandoned request",
		slog.String("method", call.Method),
		slog.String("requestID", string(call.ID)),
		slog.Duration("elapsed", time.Since(call.Issued)),
	)
	c.teardown(&ConnectionError{
		Op:  "call " + call.Method,
		Err: fmt.Errorf("session torn down after %s", reason),
	})
}

func (c *Client) notifyCancelled(id MustString, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelNoticeTimeout)
	defer cancel()

	params := notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	}
	if err := c.sendNotification(ctx, MethodNotificationsCancelled, params); err != nil {
		c.logger.Debug("failed to send cancellation notice",
			slog.String("requestID", string(id)),
			slog.String("err", err.Error()),
		)
	}
}
