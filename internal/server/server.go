// Package server exposes the snapshot cache over HTTP.
//
// Routes:
//
//	GET /latest-frame  latest snapshot as JSON with a base64 JPEG data URI
//	GET /status        liveness, port and frame availability
//	GET /              informational HTML page
//
// Every other request gets a plain-text 404. A request is a METHOD PATH line,
// optionally followed by a version, then header lines up to an empty line;
// the version and Host header are optional. Connections carry exactly one
// exchange and are closed after the response.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-edge-viewer/internal/snapshot"
)

// FrameSource is the read side of the snapshot cache.
type FrameSource interface {
	Peek() (snapshot.Snapshot, bool)
	HasFrame() bool
}

// Config configures a Server.
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int
	// ViewerURL is linked from the home page when set.
	ViewerURL string
	// ShutdownTimeout bounds how long Stop waits for in-flight requests.
	ShutdownTimeout time.Duration
	// ReadTimeout bounds reading one request.
	ReadTimeout time.Duration
}

// Server serves snapshots. It can be started again after Stop.
type Server struct {
	cfg     Config
	frames  FrameSource
	handler http.Handler

	mu      sync.Mutex
	ln      net.Listener
	done    chan struct{}
	port    int
	conns   map[net.Conn]struct{}
	workers sync.WaitGroup
}

// New creates a stopped server reading from frames.
func New(cfg Config, frames FrameSource) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, frames: frames}
	s.handler = s.Router()
	return s
}

// Router builds the route table. Routes match on the path; the query
// string is ignored.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/latest-frame", s.handleLatestFrame).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleNotFound)
	r.Use(logRequests)
	return r
}

// Start binds the listening socket and begins accepting. It returns once
// the socket is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("server: already running on port %d", s.port)
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", s.cfg.Port, err)
	}

	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.done = make(chan struct{})
	s.conns = make(map[net.Conn]struct{})

	slog.Info("server: listening",
		"port", s.port,
		"endpoints", []string{"/latest-frame", "/status", "/"},
	)

	go s.acceptLoop(ln, s.done)
	return nil
}

// acceptLoop hands every connection to its own worker until ln is closed.
// Accept errors other than a closed listener are logged and the loop goes on.
func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("server: accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.conns == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.workers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.workers.Done()
			defer s.forget(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Stop closes the listener and waits for in-flight requests, up to the
// shutdown timeout. Safe to call when the server was never started.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln, done := s.ln, s.done
	s.ln, s.done = nil, nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	ln.Close()
	<-done

	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.mu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-finished
		return fmt.Errorf("server: shutdown: %d connections still open after %s", n, s.cfg.ShutdownTimeout)
	}

	slog.Info("server: stopped", "port", s.Port())
	return nil
}

// Port returns the bound port, or the configured one before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != 0 {
		return s.port
	}
	return s.cfg.Port
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}
