package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rewardhub/native/rewards"
	"rewardhub/native/voucher"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	maxLimiterEntries = 4096
	limiterIdleTTL    = 10 * time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeConflict       = -32009
	codeRejected       = -32010
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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

// Server exposes the reward engines over JSON-RPC 2.0. Mutating methods
// require the configured bearer token; all methods are rate limited per
// source address.
type Server struct {
	snapshots *rewards.SnapshotStore
	claims    *rewards.ClaimEngine
	vouchers  *voucher.Engine

	authToken string
	rateLimit rate.Limit
	rateBurst int
	now       func() time.Time
	mu        sync.Mutex
	limiters  map[string]*sourceLimiter
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer wires the engines into an RPC server. An empty authToken
// disables authentication, which is only sensible in tests.
func NewServer(snapshots *rewards.SnapshotStore, claims *rewards.ClaimEngine, vouchers *voucher.Engine, authToken string) *Server {
	return &Server{
		snapshots: snapshots,
		claims:    claims,
		vouchers:  vouchers,
		authToken: strings.TrimSpace(authToken),
		rateLimit: rate.Limit(2),
		rateBurst: 30,
		now:       time.Now,
		limiters:  make(map[string]*sourceLimiter),
	}
}

// SetRateLimit overrides the default per-source request budget.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 || burst <= 0 {
		return
	}
	s.rateLimit = rate.Limit(perSecond)
	s.rateBurst = burst
}

// Handler returns the HTTP handler for the RPC endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Start serves the RPC endpoint on addr and blocks.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if !s.allow(r) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}

	if mutatingMethods[req.Method] && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "missing or invalid bearer token", nil)
		return
	}

	switch req.Method {
	case "rewards_createSnapshot":
		s.handleCreateSnapshot(w, &req)
	case "rewards_getSnapshot":
		s.handleGetSnapshot(w, &req)
	case "rewards_getEntitlement":
		s.handleGetEntitlement(w, &req)
	case "rewards_listSnapshots":
		s.handleListSnapshots(w, &req)
	case "rewards_periodStats":
		s.handlePeriodStats(w, &req)
	case "rewards_claim":
		s.handleClaim(w, &req)
	case "voucher_claim":
		s.handleVoucherClaim(w, &req)
	case "voucher_listCategories":
		s.handleVoucherCategories(w, &req)
	case "voucher_getLedger":
		s.handleVoucherLedger(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown method", req.Method)
	}
}

// Snapshot creation is operator-only; claims carry their own authorization
// (proof or signature) and stay open to end users.
var mutatingMethods = map[string]bool{
	"rewards_createSnapshot": true,
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	now := s.now()
	s.mu.Lock()
	entry, ok := s.limiters[host]
	if !ok {
		if len(s.limiters) >= maxLimiterEntries {
			s.evictLimiters(now)
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(s.rateLimit, s.rateBurst)}
		s.limiters[host] = entry
	}
	entry.lastSeen = now
	s.mu.Unlock()
	return entry.limiter.Allow()
}

// evictLimiters drops idle per-source entries, falling back to the stalest
// entry so the map stays bounded even under a flood of distinct sources.
// Caller holds s.mu.
func (s *Server) evictLimiters(now time.Time) {
	var (
		stalestKey  string
		stalestSeen time.Time
	)
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
			continue
		}
		if stalestKey == "" || entry.lastSeen.Before(stalestSeen) {
			stalestKey = key
			stalestSeen = entry.lastSeen
		}
	}
	if len(s.limiters) >= maxLimiterEntries && stalestKey != "" {
		delete(s.limiters, stalestKey)
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeEngineError maps engine sentinels onto stable RPC codes so clients
// can distinguish terminal rejections from server faults.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, rewards.ErrUnknownPeriod),
		errors.Is(err, rewards.ErrLeafNotFound),
		errors.Is(err, rewards.ErrLeafOutOfRange):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, rewards.ErrPeriodAlreadyExists),
		errors.Is(err, rewards.ErrAlreadyClaimed),
		errors.Is(err, voucher.ErrNonceReplay),
		errors.Is(err, voucher.ErrTaskAlreadyClaimed):
		writeError(w, http.StatusConflict, id, codeConflict, err.Error(), nil)
	case errors.Is(err, rewards.ErrInvalidProof),
		errors.Is(err, rewards.ErrEmptyPeriod),
		errors.Is(err, rewards.ErrInvalidAmount),
		errors.Is(err, rewards.ErrDuplicateEntrant),
		errors.Is(err, voucher.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, voucher.ErrUnauthorizedSigner):
		writeError(w, http.StatusUnauthorized, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, voucher.ErrDailyLimitExceeded),
		errors.Is(err, voucher.ErrLifetimeLimitExceeded),
		errors.Is(err, voucher.ErrCategoryDisabled),
		errors.Is(err, voucher.ErrUnknownCategory):
		writeError(w, http.StatusUnprocessableEntity, id, codeRejected, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", err.Error())
	}
}
