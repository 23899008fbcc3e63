// Package rpc provides the local JSON-RPC 2.0 control API the POS UI talks
// to, plus a websocket feed of sync queue events.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/festipay/festipay/internal/engine"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
	"github.com/festipay/festipay/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store  *storage.Storage
	engine *engine.Engine
	queue  *syncq.Queue
	log    *logging.Logger
	wsHub  *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new control API server.
func NewServer(store *storage.Storage, eng *engine.Engine, queue *syncq.Queue) *Server {
	s := &Server{
		store:    store,
		engine:   eng,
		queue:    queue,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(queue, store),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["payments_create"] = s.paymentsCreate
	s.handlers["payments_pending"] = s.paymentsPending

	s.handlers["wallet_get"] = s.walletGet
	s.handlers["wallet_transactions"] = s.walletTransactions

	s.handlers["catalog_stands"] = s.catalogStands
	s.handlers["catalog_products"] = s.catalogProducts

	s.handlers["sync_status"] = s.syncStatus
	s.handlers["sync_flush"] = s.syncFlush
	s.handlers["queue_retry_failed"] = s.queueRetryFailed
}

// Start begins listening on the given address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.wsHub.HandleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.wsHub.Run()
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Control API server error", "error", err)
		}
	}()

	s.log.Info("Control API listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ParseError, Message: "parse error"},
			ID:      nil,
		})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: InvalidRequest, Message: "invalid request"},
			ID:      req.ID,
		})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: MethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)},
			ID:      req.ID,
		})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: InternalError, Message: err.Error()},
			ID:      req.ID,
		})
		return
	}

	s.writeResponse(w, &Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}
