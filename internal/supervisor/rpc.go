package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
)

// Request is one JSON-RPC call against the introspection server.
type Request struct {
	ID      interface{}     `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the matching reply; Error is set instead of Result on
// failure, never both.
type Response struct {
	ID      interface{} `json:"id"`
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server exposes the registry over JSON-RPC on a Unix domain socket,
// the introspection surface this server exposes for external tooling
// (nvme-cli-style inspection) rather than the data path itself.
type Server struct {
	registry   *Registry
	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// NewServer builds (but does not start) an RPC server bound to a Unix
// socket at socketPath.
func NewServer(registry *Registry, socketPath string) *Server {
	s := &Server{registry: registry, socketPath: socketPath}
	router := mux.NewRouter()
	router.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	s.httpServer = &http.Server{Handler: router}
	return s
}

// Start removes any stale socket file, listens, and serves in a new
// goroutine. Call Stop to shut down cleanly.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listen on %s: %w", s.socketPath, err)
	}
	s.listener = ln
	go func() {
		_ = s.httpServer.Serve(ln)
	}()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.httpServer.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, -32700, "parse error: "+err.Error())
		return
	}

	result, err := s.dispatch(req.Method, req.Params)
	if err != nil {
		writeError(w, req.ID, -32601, err.Error())
		return
	}

	resp := Response{ID: req.ID, Jsonrpc: "2.0", Result: result}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := Response{ID: id, Jsonrpc: "2.0", Error: &RPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var errUnknownMethod = errors.New("unknown method")

func (s *Server) dispatch(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "list_all_qpair":
		return s.registry.ListAllQpair(), nil
	case "list_all_controller":
		return s.registry.ListAllController(), nil
	case "get_metrics":
		return s.getMetrics(params)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, method)
	}
}

type getMetricsParams struct {
	ControllerID uint32 `json:"controller_id"`
}

func (s *Server) getMetrics(params json.RawMessage) (interface{}, error) {
	var p getMetricsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("get_metrics: bad params: %w", err)
		}
	}
	for _, c := range s.registry.ListAllController() {
		if c.ControllerID == p.ControllerID {
			if c.Metrics == nil {
				return MetricsSnapshot{}, nil
			}
			return c.Metrics(), nil
		}
	}
	return nil, fmt.Errorf("get_metrics: no controller with id %d", p.ControllerID)
}
