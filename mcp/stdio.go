package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdioTransport implements ClientTransport by spawning a server process and exchanging
// newline-delimited JSON-RPC messages over its standard input and output. The server's
// standard error is treated as diagnostics and forwarded to the logger, never parsed.
//
// Each StartSession call spawns a fresh process. Instances should be created using
// NewStdioTransport.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	dir     string
	logger  *slog.Logger

	gracePeriod  time.Duration
	maxFrameSize int
}

// StdioOption represents the options for the StdioTransport.
type StdioOption func(*StdioTransport)

// StdioSession is the Session returned by StdioTransport. It owns the server process.
type StdioSession struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	gracePeriod  time.Duration
	maxFrameSize int

	frames        chan inboundFrame
	writeMessages chan stdioMessage

	// readErr is written by readLoop before frames is closed.
	readErr error
	// waitErr is written by waitLoop before exited is closed.
	waitErr error

	done       chan struct{}
	readDone   chan struct{}
	writeDone  chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type inboundFrame struct {
	msg JSONRPCMessage
	err error
}

type stdioMessage struct {
	msg  []byte
	errs chan error
}

var (
	defaultStdioGracePeriod   = 5 * time.Second
	defaultStdioTerminateWait = 2 * time.Second
	defaultStdioMaxFrameSize  = 4 << 20
)

// NewStdioTransport creates a transport that runs command with args for every session.
func NewStdioTransport(command string, args []string, options ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		command:      command,
		args:         args,
		logger:       slog.Default(),
		gracePeriod:  defaultStdioGracePeriod,
		maxFrameSize: defaultStdioMaxFrameSize,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithStdioEnv sets environment variables for the server process. They are overlaid onto
// the environment inherited from the current process, replacing variables with the same name.
func WithStdioEnv(env map[string]string) StdioOption {
	return func(t *StdioTransport) {
		t.env = env
	}
}

// WithStdioDir sets the working directory of the server process.
func WithStdioDir(dir string) StdioOption {
	return func(t *StdioTransport) {
		t.dir = dir
	}
}

// WithStdioGracePeriod sets how long Close waits for the process to exit after its standard
// input is closed before terminating it. The same period, capped at
// defaultStdioTerminateWait, separates SIGTERM from SIGKILL.
func WithStdioGracePeriod(d time.Duration) StdioOption {
	return func(t *StdioTransport) {
		if d > 0 {
			t.gracePeriod = d
		}
	}
}

// WithStdioMaxFrameSize sets the maximum size of a single inbound line. Longer lines are
// discarded and reported as a *ProtocolError.
func WithStdioMaxFrameSize(size int) StdioOption {
	return func(t *StdioTransport) {
		if size > 0 {
			t.maxFrameSize = size
		}
	}
}

// WithStdioLogger sets the logger for the transport and its sessions.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(t *StdioTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// StartSession implements the ClientTransport interface by spawning the server process.
// The process lifetime is independent of ctx, it only ends through Close or Abandon, or when
// the server exits on its own.
func (t *StdioTransport) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "start " + t.command, Err: err}
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = overlayEnv(os.Environ(), t.env)
	cmd.Dir = t.dir
	startInGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectionError{Op: "create stdin pipe", Err: err}
	}

	// Pipes are created here rather than with StdoutPipe so that Wait doesn't close the read
	// ends underneath the readers.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &ConnectionError{Op: "create stdout pipe", Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &ConnectionError{Op: "create stderr pipe", Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &ConnectionError{Op: "start " + t.command, Err: err}
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	s := &StdioSession{
		id:     uuid.New().String(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		logger: t.logger.With(
			slog.String("transport", "stdio"),
			slog.String("command", t.command),
			slog.Int("pid", cmd.Process.Pid),
		),
		gracePeriod:   t.gracePeriod,
		maxFrameSize:  t.maxFrameSize,
		frames:        make(chan inboundFrame),
		writeMessages: make(chan stdioMessage),
		done:          make(chan struct{}),
		readDone:      make(chan struct{}),
		writeDone:     make(chan struct{}),
		stderrDone:    make(chan struct{}),
		exited:        make(chan struct{}),
	}

	go s.readLoop()
	go s.processWriteMessages()
	go s.drainStderr()
	go s.waitLoop()

	s.logger.Info("server process started")

	return s, nil
}

// ID implements the Session interface.
func (s *StdioSession) ID() string { return s.id }

// PID returns the process id of the server process.
func (s *StdioSession) PID() int { return s.cmd.Process.Pid }

// Exited returns a channel that is closed once the server process has exited and been reaped.
func (s *StdioSession) Exited() <-chan struct{} { return s.exited }

// Send implements the Session interface by writing msg as a single line to the server's
// standard input.
func (s *StdioSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdioMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: ErrSessionClosed}
	case <-s.writeDone:
		return &ConnectionError{Op: "send", Err: io.ErrClosedPipe}
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return &ConnectionError{Op: "write to server stdin", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: ErrSessionClosed}
	}
}

// Receive implements the Session interface.
func (s *StdioSession) Receive(ctx context.Context) (JSONRPCMessage, error) {
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

// Abandon implements the Session interface. A stdio stream has no way to skip the late
// response of an abandoned request, so the process group is killed and the session is
// reported as unusable.
func (s *StdioSession) Abandon(id MustString) bool {
	s.logger.Warn("killing server process after abandoned request", slog.String("requestID", string(id)))
	s.kill()
	return false
}

// Close implements the Session interface. It closes the server's standard input and waits
// for the grace period. A server still running is sent SIGTERM, then SIGKILL. Whatever is
// left of its process group is killed and the server is always reaped.
func (s *StdioSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *StdioSession) shutdown() error {
	close(s.done)

	// Closing stdin signals the server to exit.
	if err := s.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("failed to close server stdin", slog.String("err", err.Error()))
	}

	killed := false
	select {
	case <-s.exited:
	case <-time.After(s.gracePeriod):
		s.logger.Warn("server process did not exit gracefully, terminating")
		killed = true
		if err := terminateGroup(s.cmd.Process); err != nil {
			s.logger.Error("failed to terminate server process", slog.String("err", err.Error()))
		}
		select {
		case <-s.exited:
		case <-time.After(min(s.gracePeriod, defaultStdioTerminateWait)):
			s.logger.Warn("server process ignored SIGTERM, killing")
		}
	}
	// Children of the server may outlive it, the group goes down either way.
	s.kill()
	<-s.exited

	// Unblock readers that may still be held by a grandchild keeping the pipes open.
	s.stdout.Close()
	s.stderr.Close()
	<-s.readDone
	<-s.writeDone
	<-s.stderrDone

	if killed || s.waitErr == nil {
		s.logger.Info("server process stopped")
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) && !exitErr.Exited() {
		// Terminated by a signal, typically our own kill after an abandoned request.
		s.logger.Info("server process stopped", slog.String("state", exitErr.String()))
		return nil
	}
	return fmt.Errorf("server process exited: %w", s.waitErr)
}

// kill sends SIGKILL to the process group of the server, reaching the processes it spawned.
func (s *StdioSession) kill() {
	if err := killGroup(s.cmd.Process); err != nil {
		s.logger.Error("failed to kill server process", slog.String("err", err.Error()))
	}
}

func (s *StdioSession) waitLoop() {
	defer close(s.exited)
	s.waitErr = s.cmd.Wait()
}

func (s *StdioSession) readLoop() {
	defer close(s.readDone)
	defer close(s.frames)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReaderSize(s.stdout, 64<<10)
	for {
		line, tooLong, err := readFrame(reader, s.maxFrameSize)
		if err != nil && len(line) == 0 && !tooLong {
			select {
			case <-s.done:
				s.readErr = ErrSessionClosed
			default:
				if errors.Is(err, io.EOF) {
					s.readErr = errors.New("server closed its standard output")
				} else {
					s.readErr = fmt.Errorf("failed to read from server stdout: %w", err)
				}
			}
			return
		}

		var f inboundFrame
		switch line = []byte(strings.TrimSpace(string(line))); {
		case tooLong:
			f.err = &ProtocolError{Err: fmt.Errorf("frame exceeds %d bytes", s.maxFrameSize)}
		case len(line) == 0:
			continue
		default:
			if uErr := json.Unmarshal(line, &f.msg); uErr != nil {
				f.err = &ProtocolError{Frame: truncateFrame(line), Err: uErr}
			}
		}

		select {
		case s.frames <- f:
		case <-s.done:
			s.readErr = ErrSessionClosed
			return
		}
	}
}

func (s *StdioSession) processWriteMessages() {
	defer close(s.writeDone)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdioMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.stdin.Write(msg.msg)
		msg.errs <- err
		if err != nil {
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (s *StdioSession) drainStderr() {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		s.logger.Debug("server stderr", slog.String("line", scanner.Text()))
	}
}

// readFrame reads one newline-terminated frame. Once a frame grows past limit the rest of
// it is consumed and dropped, and tooLong is reported.
func readFrame(r *bufio.Reader, limit int) (frame []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(frame)+len(chunk) > limit+1 {
				tooLong = true
				frame = nil
			} else {
				frame = append(frame, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return frame, tooLong, err
	}
}

// overlayEnv returns base with every variable in overlay set, overlay winning on conflicts.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[key]; ok {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		out = append(out, key+"="+overlay[key])
	}
	return out
}
