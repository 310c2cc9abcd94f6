package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Executor runs code in a kernel. *Session implements it.
type Executor interface {
	Execute(ctx context.Context, code string) (*ExecutionResult, error)
	KernelID() string
	KernelName() string
}

// Session is a websocket connection to one kernel. Executions are serialized.
type Session struct {
	client     *Client
	kernelID   string
	kernelName string
	id         string
	conn       *websocket.Conn
	logger     zerolog.Logger

	writeMu sync.Mutex
	sem     chan struct{}

	mu      sync.Mutex
	pending map[string]*execution
	err     error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type execution struct {
	result   ExecutionResult
	gotReply bool
	gotIdle  bool
	err      error
	done     chan struct{}
	once     sync.Once
}

func (ex *execution) finish(err error) {
	ex.once.Do(func() {
		ex.err = err
		close(ex.done)
	})
}

// Connect opens the channels websocket of a running kernel.
func (c *Client) Connect(ctx context.Context, kernelID string) (*Session, error) {
	model, err := c.GetKernel(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	wsURL, err := c.channelsURL(kernelID, sessionID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to kernel %s: handshake status %d: %w", kernelID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to kernel %s: %w", kernelID, err)
	}

	s := &Session{
		client:     c,
		kernelID:   kernelID,
		kernelName: model.Name,
		id:         sessionID,
		conn:       conn,
		logger:     c.logger.With().Str("kernel_id", kernelID).Logger(),
		sem:        make(chan struct{}, 1),
		pending:    make(map[string]*execution),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	s.logger.Debug().Str("kernel", model.Name).Msg("Kernel session connected")
	return s, nil
}

func (c *Client) channelsURL(kernelID, sessionID string) (string, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String(), nil
}

// KernelID returns the id of the connected kernel.
func (s *Session) KernelID() string { return s.kernelID }

// KernelName returns the kernelspec name of the connected kernel.
func (s *Session) KernelName() string { return s.kernelName }

// Done is closed when the connection is gone.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the connection and waits for the read loop to exit.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// Execute runs code and waits for the kernel to go idle. A kernel exception is
// reported in the result (see ExecutionResult.Err), not as the returned error.
func (s *Session) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	ctx, span := tracing.StartSpan(
		tracing.WithKernelID(ctx, s.kernelID),
		"askem/kernel", "kernel.execute",
		attribute.String("kernel.name", s.kernelName),
		attribute.Int("code.length", len(code)),
	)
	start := time.Now()

	res, err := s.execute(ctx, code)

	status := "ok"
	spanErr := err
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case errors.Is(err, ErrClosed):
		status = "closed"
	case err != nil:
		status = "error"
	case res.Err() != nil:
		status = "error"
		spanErr = res.Err()
	}
	observability.RecordKernelExecution(s.kernelName, status, time.Since(start))
	tracing.EndSpan(span, spanErr)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("status", status).Dur("duration", time.Since(start)).Msg("Kernel execution finished")

	return res, err
}

func (s *Session) execute(ctx context.Context, code string) (*ExecutionResult, error) {
	if timeout := s.client.cfg.ExecuteTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, contextErr(ctx)
	case <-s.done:
		return nil, ErrClosed
	}
	defer func() { <-s.sem }()

	msg, err := newMessage(s.id, s.client.cfg.Username, "execute_request", executeRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	msgID := msg.Header.MsgID

	ex := &execution{done: make(chan struct{})}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[msgID] = ex
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.forget(msgID)
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case <-ex.done:
		if ex.err != nil {
			return nil, ex.err
		}
		return &ex.result, nil
	case <-ctx.Done():
		s.forget(msgID)
		err := contextErr(ctx)
		if errors.Is(err, ErrTimeout) {
			s.interrupt()
		}
		return nil, err
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (s *Session) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.InterruptKernel(ctx, s.kernelID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to interrupt kernel after timeout")
	}
}

func (s *Session) forget(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

func (s *Session) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable kernel message")
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	pending := s.pending
	s.pending = make(map[string]*execution)
	s.mu.Unlock()

	for _, ex := range pending {
		ex.finish(ErrClosed)
	}
	s.doneOnce.Do(func() { close(s.done) })

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Msg("Kernel session closed")
	}
}

func (s *Session) dispatch(msg *Message) {
	parent := msg.ParentHeader.MsgID
	if parent == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.pending[parent]
	if !ok {
		return
	}

	switch msg.Header.MsgType {
	case "stream":
		var c streamContent
		if json.Unmarshal(msg.Content, &c) == nil {
			if c.Name == "stderr" {
				ex.result.Stderr += c.Text
			} else {
				ex.result.Stdout += c.Text
			}
		}
	case "execute_result":
		var c dataContent
		if json.Unmarshal(msg.Content, &c) == nil {
			ex.result.Data = c.Data
			ex.result.ExecutionCount = c.ExecutionCount
			if text, ok := c.Data["text/plain"].(string); ok {
				ex.result.Return = text
			}
		}
	case "display_data":
		var c dataContent
		if json.Unmarshal(msg.Content, &c) == nil {
			ex.result.DisplayData = append(ex.result.DisplayData, c.Data)
		}
	case "error":
		var c errorContent
		if json.Unmarshal(msg.Content, &c) == nil {
			ex.result.Error = &ExecutionError{EName: c.EName, EValue: c.EValue, Traceback: c.Traceback}
		}
	case "status":
		var c statusContent
		if json.Unmarshal(msg.Content, &c) == nil && c.ExecutionState == "idle" {
			ex.gotIdle = true
		}
	case "execute_reply":
		var c replyContent
		if json.Unmarshal(msg.Content, &c) == nil {
			ex.gotReply = true
			ex.result.Status = c.Status
			if c.ExecutionCount != 0 {
				ex.result.ExecutionCount = c.ExecutionCount
			}
			if c.Status == "error" && ex.result.Error == nil && c.EName != "" {
				ex.result.Error = &ExecutionError{EName: c.EName, EValue: c.EValue, Traceback: c.Traceback}
			}
		}
	}

	if ex.gotReply && ex.gotIdle {
		delete(s.pending, parent)
		ex.finish(nil)
	}
}
