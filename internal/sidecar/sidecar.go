// Package sidecar is the local RPC server the user function process
// calls for storage primitives, logging, rank introspection, and
// reporting its return value. It runs as an HTTP server inside the
// Executor's own process, not as a separate OS process; the Executor
// starts it before the user function launches and always tears it
// down afterward, regardless of outcome.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Procedure names dispatched through /faasr-action.
const (
	ProcLog            = "faasr_log"
	ProcPutFile        = "faasr_put_file"
	ProcGetFile        = "faasr_get_file"
	ProcDeleteFile     = "faasr_delete_file"
	ProcGetFolderList  = "faasr_get_folder_list"
	ProcRank           = "faasr_rank"
	ProcGetS3Creds     = "faasr_get_s3_creds"
)

// Procedures is the set of ProcedureIDs the sidecar accepts.
var Procedures = map[string]bool{
	ProcLog:           true,
	ProcPutFile:       true,
	ProcGetFile:       true,
	ProcDeleteFile:    true,
	ProcGetFolderList: true,
	ProcRank:          true,
	ProcGetS3Creds:    true,
}

// ActionRequest is the body of POST /faasr-action.
type ActionRequest struct {
	ProcedureID string          `json:"ProcedureID"`
	Arguments   json.RawMessage `json:"Arguments,omitempty"`
}

// ActionResponse is the body returned by a successful /faasr-action call.
type ActionResponse struct {
	Success bool            `json:"Success"`
	Data    json.RawMessage `json:"Data,omitempty"`
	Message string          `json:"Message,omitempty"`
}

// ReturnRequest is the body of POST /faasr-return.
type ReturnRequest struct {
	FunctionResult json.RawMessage `json:"FunctionResult"`
}

// ExitRequest is the body of POST /faasr-exit.
type ExitRequest struct {
	Error   bool   `json:"Error"`
	Message string `json:"Message,omitempty"`
}

// ReturnResult is the body returned by GET /faasr-get-return.
type ReturnResult struct {
	FunctionResult json.RawMessage `json:"FunctionResult,omitempty"`
	Error          bool            `json:"Error"`
	Message        string          `json:"Message,omitempty"`
}

// ProcedureHandler implements one of the faasr_* storage procedures.
type ProcedureHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Server is the loopback HTTP sidecar. Its three mutable cells
// (returnVal, errored, message) are written once by the user process
// and read by the Executor only after the child process has joined,
// so no locking is needed on that path; a mutex still guards them
// against the HTTP handlers running concurrently with an in-flight
// write within the same process.
type Server struct {
	handlers map[string]ProcedureHandler
	logger   func(message string)

	// Middleware, when set, wraps the whole RPC mux (used for tracing).
	Middleware func(http.Handler) http.Handler

	mu         sync.Mutex
	returnVal  json.RawMessage
	errored    bool
	message    string

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server with the given procedure handlers bound to the
// storage backend for this invocation.
func New(handlers map[string]ProcedureHandler, logger func(string)) *Server {
	if logger == nil {
		logger = func(string) {}
	}
	return &Server{handlers: handlers, logger: logger}
}

// Start binds to 127.0.0.1 on a free port (or the requested port if
// nonzero) and begins serving in the background.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/faasr-action", s.handleAction)
	mux.HandleFunc("/faasr-return", s.handleReturn)
	mux.HandleFunc("/faasr-exit", s.handleExit)
	mux.HandleFunc("/faasr-get-return", s.handleGetReturn)
	mux.HandleFunc("/faasr-echo", s.handleEcho)

	var handler http.Handler = mux
	if s.Middleware != nil {
		handler = s.Middleware(mux)
	}
	s.httpServer = &http.Server{Handler: handler}
	go s.httpServer.Serve(ln)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop shuts down the HTTP server. Safe to call even if Start was
// never called or already stopped.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// WaitReady polls /faasr-echo on the given port until it answers,
// mirroring the Executor's readiness probe before launching the user
// function.
func WaitReady(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/faasr-echo?message=echo", port)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			if resp, err := client.Do(req); err == nil {
				var body struct {
					Message string `json:"message"`
				}
				if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Message == "echo" {
					resp.Body.Close()
					return nil
				}
				resp.Body.Close()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return fmt.Errorf("sidecar did not become ready within %s", timeout)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("decode action request: %v", err))
		return
	}

	if !Procedures[req.ProcedureID] {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("unknown ProcedureID: %s", req.ProcedureID))
		return
	}

	handler, ok := s.handlers[req.ProcedureID]
	if !ok {
		s.fail(w, http.StatusNotImplemented, fmt.Sprintf("no handler registered for: %s", req.ProcedureID))
		return
	}

	data, err := handler(r.Context(), req.Arguments)
	if err != nil {
		s.logger(fmt.Sprintf(`{"%s": "error: %v"}`, req.ProcedureID, err))
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Data: data})
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("decode return request: %v", err))
		return
	}
	s.mu.Lock()
	s.returnVal = req.FunctionResult
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("decode exit request: %v", err))
		return
	}
	s.mu.Lock()
	if req.Error {
		s.errored = true
		s.message = req.Message
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Result returns the function result and error state reported via
// /faasr-return and /faasr-exit. Safe to call after the child process
// has joined; the Executor never needs the HTTP round trip itself.
func (s *Server) Result() (functionResult json.RawMessage, errored bool, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnVal, s.errored, s.message
}

func (s *Server) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	result := ReturnResult{FunctionResult: s.returnVal, Error: s.errored, Message: s.message}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": r.URL.Query().Get("message")})
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ActionResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
