// Package kerneltest provides an in-process fake Jupyter server for tests.
package kerneltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/askem/pkg/kernel"
)

// Reply describes what the fake kernel answers to one execute_request.
type Reply struct {
	Stdout  string
	Stderr  string
	Result  string
	Data    map[string]any
	Display []map[string]any
	Error   *kernel.ExecutionError
	// Hang makes the kernel never answer.
	Hang bool
}

// Handler decides the reply for a piece of code.
type Handler func(code string) Reply

// Server is a fake Jupyter server with a single kernelspec per started kernel.
type Server struct {
	*httptest.Server
	Token string

	handler  Handler
	upgrader websocket.Upgrader

	mu         sync.Mutex
	kernels    map[string]kernel.Model
	codes      []string
	interrupts int
	conns      map[*websocket.Conn]struct{}
}

// NewServer starts a fake server. It is closed when the test ends.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	s := &Server{
		Token:    "test-token",
		handler:  handler,
		kernels:  make(map[string]kernel.Model),
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/kernels", s.handleStart)
	mux.HandleFunc("GET /api/kernels", s.handleList)
	mux.HandleFunc("GET /api/kernels/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/kernels/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/kernels/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /api/kernels/{id}/channels", s.handleChannels)

	s.Server = httptest.NewServer(s.auth(mux))
	t.Cleanup(s.Close)
	return s
}

// AddKernel registers a running kernel and returns its id.
func (s *Server) AddKernel(name string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.kernels[id] = kernel.Model{ID: id, Name: name, ExecutionState: "idle"}
	s.mu.Unlock()
	return id
}

// Codes returns every piece of code executed so far.
func (s *Server) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}

// DropConnections closes every open channels websocket, simulating a kernel
// restart or network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Interrupts returns how many interrupt requests were received.
func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token "+s.Token {
			http.Error(w, `{"message":"Forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Name == "" {
		body.Name = "python3"
	}
	id := s.AddKernel(body.Name)
	s.mu.Lock()
	m := s.kernels[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]kernel.Model, 0, len(s.kernels))
	for _, m := range s.kernels {
		out = append(out, m)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (kernel.Model, bool) {
	s.mu.Lock()
	m, ok := s.kernels[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Kernel does not exist"})
	}
	return m, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if m, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if m, ok := s.lookup(w, r); ok {
		s.mu.Lock()
		delete(s.kernels, m.ID)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); ok {
		s.mu.Lock()
		s.interrupts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	count := 0
	for {
		var req kernel.Message
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Header.MsgType != "execute_request" {
			continue
		}
		var content struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(req.Content, &content)

		s.mu.Lock()
		s.codes = append(s.codes, content.Code)
		s.mu.Unlock()

		reply := s.handler(content.Code)
		if reply.Hang {
			continue
		}
		count++
		if err := s.respond(conn, req.Header, count, reply); err != nil {
			return
		}
	}
}

func (s *Server) respond(conn *websocket.Conn, parent kernel.Header, count int, reply Reply) error {
	send := func(channel, msgType string, content any) error {
		raw, _ := json.Marshal(content)
		return conn.WriteJSON(&kernel.Message{
			Header: kernel.Header{
				MsgID:    uuid.NewString(),
				Session:  parent.Session,
				MsgType:  msgType,
				Version:  kernel.ProtocolVersion,
				Date:     time.Now().UTC().Format(time.RFC3339Nano),
				Username: "kernel",
			},
			ParentHeader: parent,
			Metadata:     map[string]any{},
			Content:      raw,
			Channel:      channel,
		})
	}

	steps := []func() error{
		func() error {
			return send(kernel.ChannelIOPub, "status", map[string]any{"execution_state": "busy"})
		},
	}
	if reply.Stdout != "" {
		steps = append(steps, func() error {
			return send(kernel.ChannelIOPub, "stream", map[string]any{"name": "stdout", "text": reply.Stdout})
		})
	}
	if reply.Stderr != "" {
		steps = append(steps, func() error {
			return send(kernel.ChannelIOPub, "stream", map[string]any{"name": "stderr", "text": reply.Stderr})
		})
	}
	for _, d := range reply.Display {
		d := d
		steps = append(steps, func() error {
			return send(kernel.ChannelIOPub, "display_data", map[string]any{"data": d, "metadata": map[string]any{}})
		})
	}
	if reply.Result != "" || reply.Data != nil {
		data := map[string]any{}
		for k, v := range reply.Data {
			data[k] = v
		}
		if reply.Result != "" {
			data["text/plain"] = reply.Result
		}
		steps = append(steps, func() error {
			return send(kernel.ChannelIOPub, "execute_result", map[string]any{"data": data, "metadata": map[string]any{}, "execution_count": count})
		})
	}

	status := "ok"
	replyContent := map[string]any{"execution_count": count}
	if reply.Error != nil {
		status = "error"
		errContent := map[string]any{"ename": reply.Error.EName, "evalue": reply.Error.EValue, "traceback": reply.Error.Traceback}
		steps = append(steps, func() error {
			return send(kernel.ChannelIOPub, "error", errContent)
		})
		for k, v := range errContent {
			replyContent[k] = v
		}
	}
	replyContent["status"] = status

	steps = append(steps,
		func() error { return send(kernel.ChannelShell, "execute_reply", replyContent) },
		func() error {
			return send(kernel.ChannelIOPub, "status", map[string]any{"execution_state": "idle"})
		},
	)

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
