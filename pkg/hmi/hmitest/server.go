// Package hmitest provides an in-memory HMI data service for tests.
package hmitest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const (
	Username = "hmi-user"
	Password = "hmi-pass"
)

// Request is a call received by the fake server.
type Request struct {
	Method string
	Path   string
	Body   map[string]any
}

// Server stores assets by kind ("models", "datasets", "model-configurations",
// "simulations") and id.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	assets   map[string]map[string]map[string]any
	links    []string
	requests []Request
	apiDocs  map[string]any
	uploads  map[string]string
	nextID   int
	// status code for the next request, 0 for none
	failNext int
}

// NewServer starts a fake service. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		assets: map[string]map[string]map[string]any{
			"models":               {},
			"datasets":             {},
			"model-configurations": {},
			"simulations":          {},
		},
		apiDocs: map[string]any{"components": map[string]any{"schemas": map[string]any{}}},
		uploads: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/api-docs", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		docs := s.apiDocs
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, docs)
	})
	mux.HandleFunc("GET /{kind}/{id}", s.handleGet)
	mux.HandleFunc("POST /{kind}", s.handleCreate)
	mux.HandleFunc("PUT /{kind}/{id}", s.handleUpdate)
	mux.HandleFunc("POST /projects/{pid}/assets/{type}/{id}", s.handleLink)
	mux.HandleFunc("GET /datasets/{id}/download-url", s.handleDownloadURL)
	mux.HandleFunc("PUT /datasets/{id}/upload-csv", s.handleUpload)

	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(s.Close)
	return s
}

// Put stores an asset under kind and id.
func (s *Server) Put(kind, id string, asset map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[kind][id] = asset
}

// Get returns a stored asset.
func (s *Server) Get(kind, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[kind][id]
	return a, ok
}

// SetAPIDocs replaces the OpenAPI document.
func (s *Server) SetAPIDocs(docs map[string]any) {
	s.mu.Lock()
	s.apiDocs = docs
	s.mu.Unlock()
}

// FailNext makes the next request fail with status.
func (s *Server) FailNext(status int) {
	s.mu.Lock()
	s.failNext = status
	s.mu.Unlock()
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Upload returns the file uploaded for a dataset.
func (s *Server) Upload(datasetID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[datasetID]
	return data, ok
}

// Links returns project asset links as "pid/type/id".
func (s *Server) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.links...)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != Username || pass != Password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var data []byte
		if r.Body != nil {
			data, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(data))
		}
		var body map[string]any
		_ = json.Unmarshal(data, &body)

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: body})
		fail := s.failNext
		s.failNext = 0
		s.mu.Unlock()

		if fail != 0 {
			http.Error(w, "injected failure", fail)
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

func decode(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	store, known := s.assets[r.PathValue("kind")]
	var asset map[string]any
	if known {
		asset = store[r.PathValue("id")]
	}
	s.mu.Unlock()

	if asset == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	store, known := s.assets[r.PathValue("kind")]
	if !known {
		s.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.nextID++
	id := fmt.Sprintf("%s-%d", r.PathValue("kind"), s.nextID)
	if body == nil {
		body = map[string]any{}
	}
	body["id"] = id
	store[id] = body
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	id := r.PathValue("id")
	s.mu.Lock()
	store, known := s.assets[r.PathValue("kind")]
	_, exists := store[id]
	if known && exists {
		store[id] = body
	}
	s.mu.Unlock()

	if !known || !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.links = append(s.links, r.PathValue("pid")+"/"+r.PathValue("type")+"/"+r.PathValue("id"))
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, exists := s.assets["datasets"][id]
	s.mu.Unlock()
	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url": s.URL + "/files/" + id + "/" + r.URL.Query().Get("filename"),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	s.mu.Lock()
	s.uploads[id] = string(data)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}
