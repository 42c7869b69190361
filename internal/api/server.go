package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/zde37/kademlia/internal/kademlia"
	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/internal/transport"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// maxValueSize is the largest value a single STORE datagram carries.
const maxValueSize = transport.MaxValueSize

// DHT is the node surface the HTTP API needs.
type DHT interface {
	StoreValue(ctx context.Context, key keyspace.ID, value []byte) (int, error)
	FetchValue(ctx context.Context, key keyspace.ID) (*kademlia.FetchResult, error)
	Delete(ctx context.Context, key keyspace.ID) (int, error)
	Info(ctx context.Context) kademlia.NodeInfo
	RoutingTable() *routing.Table
	IsShutdown() bool
}

var _ DHT = (*kademlia.Node)(nil)

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	node       DHT
	logger     *pkg.Logger
	timeout    time.Duration
}

// NewServer creates a new HTTP API server for node. timeout bounds each
// request's DHT operation.
func NewServer(node DHT, timeout time.Duration, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	apiLogger := logger.Component("http_api")

	return &Server{
		node:    node,
		logger:  apiLogger,
		wsHub:   NewWebSocketHub(apiLogger),
		timeout: timeout,
	}, nil
}

// Hub returns the websocket hub, which also receives routing table events.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/values/{key}", s.getValue},
		{http.MethodPut, "/api/v1/values/{key}", s.putValue},
		{http.MethodPost, "/api/v1/values/{key}", s.putValue},
		{http.MethodDelete, "/api/v1/values/{key}", s.deleteValue},
		{http.MethodGet, "/api/v1/node", s.nodeInfo},
		{http.MethodGet, "/api/v1/contacts", s.contacts},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			// patterns are static
			panic(err)
		}
	}

	httpMux := http.NewServeMux()

	// WebSocket endpoint for live routing updates
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/health", s.healthHandler)

	return httpMux
}

// Start listens on port and serves the API in the background.
// Port 0 picks a free port; Addr reports it.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s.listener = ln

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type contactResponse struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Bucket int    `json:"bucket"`
}

type valueResponse struct {
	Key      string            `json:"key"`
	Found    bool              `json:"found"`
	Value    []byte            `json:"value,omitempty"`
	Local    bool              `json:"local,omitempty"`
	Closest  []contactResponse `json:"closest,omitempty"`
	Replicas *int              `json:"replicas,omitempty"`
}

func (s *Server) getValue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := keyspace.ParseKey(params["key"])

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.node.FetchValue(ctx, key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := valueResponse{Key: key.String(), Found: res.Found}
	if !res.Found {
		resp.Closest = s.toContactResponses(res.Closest)
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(res.Value)
		return
	}

	resp.Value = res.Value
	resp.Local = res.Local
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) putValue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := keyspace.ParseKey(params["key"])

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("value exceeds %d bytes", maxValueSize)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(value) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value cannot be empty, use DELETE"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	acked, err := s.node.StoreValue(ctx, key, value)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Debug().Str("key", key.Short()).Int("replicas", acked).Msg("Value stored via API")
	writeJSON(w, http.StatusOK, valueResponse{Key: key.String(), Found: true, Replicas: &acked})
}

func (s *Server) deleteValue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := keyspace.ParseKey(params["key"])

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	acked, err := s.node.Delete(ctx, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Key: key.String(), Replicas: &acked})
}

func (s *Server) nodeInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.node.Info(r.Context()))
}

func (s *Server) contacts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	contacts := s.node.RoutingTable().Contacts()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(contacts),
		"contacts": s.toContactResponses(contacts),
	})
}

func (s *Server) toContactResponses(contacts []routing.Contact) []contactResponse {
	local := s.node.RoutingTable().Local()
	out := make([]contactResponse, len(contacts))
	for i, c := range contacts {
		out[i] = contactResponse{
			ID:     c.ID.String(),
			Addr:   c.Addr,
			Bucket: keyspace.BucketIndex(local, c.ID),
		}
	}
	return out
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.node.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case s.node.IsShutdown():
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pkg.ErrContextCanceled):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pkg.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrMessageTooLarge):
		status = http.StatusRequestEntityTooLarge
	}

	s.logger.Warn().Err(err).Int("status", status).Msg("API request failed")
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
