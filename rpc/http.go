package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"escrowd/core/events"
	"escrowd/native/escrow"
	"escrowd/state"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server hosts the ledger over JSON-RPC 2.0. Mutating methods are serialized
// through a single mutex: the ledger engine relies on totally ordered
// execution and performs no locking of its own.
type Server struct {
	engine *escrow.Engine
	st     *state.Manager
	feed   *events.Feed
	logger *slog.Logger

	writeMu sync.Mutex

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int

	authToken string

	defaultArbitrator *[20]byte
}

// NewServer wires a JSON-RPC server around the engine and its state manager.
func NewServer(engine *escrow.Engine, st *state.Manager, feed *events.Feed, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		st:        st,
		feed:      feed,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		rps:       rate.Limit(50),
		burst:     100,
		authToken: strings.TrimSpace(authToken),
	}
}

// SetDefaultArbitrator attaches a fallback arbitrator to agreements created
// without one.
func (s *Server) SetDefaultArbitrator(addr *[20]byte) {
	s.defaultArbitrator = addr
}

// Handler returns the HTTP handler serving /, /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start blocks serving the RPC surface on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if !s.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC payload", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "jsonrpc version must be 2.0", nil)
		return
	}

	switch req.Method {
	case "escrow_initiate":
		s.withWriteLock(w, r, &req, s.handleEscrowInitiate)
	case "escrow_deposit":
		s.withWriteLock(w, r, &req, s.handleEscrowDeposit)
	case "escrow_release":
		s.withWriteLock(w, r, &req, s.handleEscrowRelease)
	case "escrow_refund":
		s.withWriteLock(w, r, &req, s.handleEscrowRefund)
	case "escrow_dispute":
		s.withWriteLock(w, r, &req, s.handleEscrowDispute)
	case "escrow_resolve":
		s.withWriteLock(w, r, &req, s.handleEscrowResolve)
	case "escrow_credit":
		s.withWriteLock(w, r, &req, s.handleAccountCredit)
	case "escrow_get":
		s.handleEscrowGet(w, r, &req)
	case "escrow_balance":
		s.handleAccountBalance(w, r, &req)
	case "escrow_events":
		s.handleEscrowEvents(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

// withWriteLock enforces bearer auth and serializes the mutation against all
// other mutations, mirroring the single-writer host model the ledger assumes.
func (s *Server) withWriteLock(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if err := s.requireAuth(r); err != nil {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, err.Error(), nil)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) error {
	if s.authToken == "" {
		return fmt.Errorf("rpc auth token not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

func (s *Server) allow(client string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(s.rps, s.burst)
		s.limiters[client] = limiter
	}
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
