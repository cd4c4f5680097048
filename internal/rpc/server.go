// Package rpc provides a JSON-RPC 2.0 server for the Crosslock daemon.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/bank"
	"github.com/crosslock-exchange/crosslock/internal/coordinator"
	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/node"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	node    *node.Node
	store   *storage.Storage
	exec    *runtime.Executor
	factory *factory.Factory
	coord   *coordinator.Coordinator
	router  *router.Router
	bank    *bank.Keeper
	metrics http.Handler
	log     *logging.Logger
	wsHub   *WSHub

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

// NewServer creates a new JSON-RPC server.
func NewServer(n *node.Node, store *storage.Storage, exec *runtime.Executor, f *factory.Factory, coord *coordinator.Coordinator, rtr *router.Router, keeper *bank.Keeper) *Server {
	s := &Server{
		node:     n,
		store:    store,
		exec:     exec,
		factory:  f,
		coord:    coord,
		router:   rtr,
		bank:     keeper,
		log:      logging.GetDefault().Component("rpc"),
		handlers: make(map[string]Handler),
		wsHub:    NewWSHub(),
	}

	// Register handlers
	s.registerHandlers()

	return s
}

// SetMetricsHandler mounts a Prometheus handler on /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus

	// Peer methods
	s.handlers["peers_list"] = s.peersList
	s.handlers["peers_count"] = s.peersCount
	s.handlers["peers_connect"] = s.peersConnect
	s.handlers["peers_disconnect"] = s.peersDisconnect

	// Escrow methods
	s.handlers["escrow_lock"] = s.escrowLock
	s.handlers["escrow_reveal"] = s.escrowReveal
	s.handlers["escrow_cancel"] = s.escrowCancel
	s.handlers["escrow_info"] = s.escrowInfo

	// Factory methods
	s.handlers["factory_createHTLC"] = s.factoryCreateHTLC
	s.handlers["factory_getHTLC"] = s.factoryGetHTLC
	s.handlers["factory_listByMaker"] = s.factoryListByMaker
	s.handlers["factory_updateCodeID"] = s.factoryUpdateCodeID
	s.handlers["factory_updateAdmin"] = s.factoryUpdateAdmin

	// Order methods
	s.handlers["order_create"] = s.orderCreate
	s.handlers["order_get"] = s.orderGet
	s.handlers["order_listByMaker"] = s.orderListByMaker
	s.handlers["order_updateStatus"] = s.orderUpdateStatus

	// Router methods
	s.handlers["router_setRoute"] = s.routerSetRoute
	s.handlers["router_listRoutes"] = s.routerListRoutes
	s.handlers["router_send"] = s.routerSend

	// Channel methods
	s.handlers["channels_list"] = s.channelsList
	s.handlers["channels_open"] = s.channelsOpen

	// Config methods
	s.handlers["config_get"] = s.configGet
	s.handlers["config_updateAdmin"] = s.configUpdateAdmin
	s.handlers["config_updateFactory"] = s.configUpdateFactory
	s.handlers["config_updateChannel"] = s.configUpdateChannel

	// Bank methods
	s.handlers["bank_deposit"] = s.bankDeposit
	s.handlers["bank_balance"] = s.bankBalance
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
