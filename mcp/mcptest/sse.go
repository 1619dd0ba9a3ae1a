package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mxgoai/mxgo-core/mcp"
	"github.com/tmaxmax/go-sse"
)

type sseHub struct {
	mu       sync.Mutex
	sessions map[string]*sseStream
	done     chan struct{}
	closed   bool
}

type sseStream struct {
	out  chan mcp.JSONRPCMessage
	done chan struct{}
}

func (s *Server) hub() *sseHub {
	s.sseOnce.Do(func() {
		s.sse = &sseHub{
			sessions: make(map[string]*sseStream),
			done:     make(chan struct{}),
		}
	})
	return s.sse
}

// SSEHandler returns an http.Handler serving the event stream on GET /sse and accepting
// client messages on POST /message. Responses are delivered on the stream.
func (s *Server) SSEHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /message", s.handleMessage)
	return mux
}

// Close ends every open event stream.
func (s *Server) Close() {
	h := s.hub()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// StreamCount returns the number of open event streams.
func (s *Server) StreamCount() int {
	h := s.hub()
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	h := s.hub()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	sessID := uuid.New().String()
	stream := &sseStream{
		out:  make(chan mcp.JSONRPCMessage, 16),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[sessID] = stream
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessID)
		h.mu.Unlock()
		close(stream.done)
	}()

	msg := sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData("/message?sessionId=" + sessID)
	if err := sess.Send(&msg); err != nil {
		s.logger.Error("failed to write endpoint", slog.String("err", err.Error()))
		return
	}
	if err := sess.Flush(); err != nil {
		s.logger.Error("failed to flush endpoint", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case out := <-stream.out:
			msgBs, err := json.Marshal(out)
			if err != nil {
				s.logger.Error("failed to marshal message", slog.String("err", err.Error()))
				continue
			}
			ev := &sse.Message{
				Type: sse.Type("message"),
			}
			ev.AppendData(string(msgBs))
			if err := sess.Send(ev); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				return
			}
			if err := sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	h := s.hub()

	sessID := r.URL.Query().Get("sessionId")
	h.mu.Lock()
	stream, ok := h.sessions[sessID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// The request context ends with this handler, the call must outlive it.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stream.done
		cancel()
	}()
	go func() {
		defer cancel()
		resp, ok := s.Handle(ctx, msg)
		if !ok {
			return
		}
		select {
		case stream.out <- resp:
		case <-stream.done:
		}
	}()
}
