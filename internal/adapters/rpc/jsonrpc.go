package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const defaultMaxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeServiceUnavailable, Message: "service is not initialized"},
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	if !s.limiter.Allow(rpcRateLimitKey(r, token), time.Now()) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	replay := replayKey(r.Header.Get(rpcIdempotencyHeader), token, req.Method)
	switch cached, outcome := s.replays.lookup(replay, req, time.Now()); outcome {
	case replayConflict:
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeIdempotencyConflict, Message: "idempotency key reused with different request"},
		})
		return
	case replayHit:
		s.log.Info("rpc replayed", "method", req.Method)
		writeRPC(w, cached)
		return
	}

	reqID := uuid.NewString()
	started := time.Now()
	s.log.Info("rpc request", "request_id", reqID, "method", req.Method)

	result, rpcErr := s.dispatchRPC(r, req.Method, req.Params)
	if rpcErr != nil {
		s.log.Warn("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.log.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	s.replays.record(replay, req, resp, time.Now())
	writeRPC(w, resp)
}

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	ctx := r.Context()
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	}
	if result, rpcErr, ok := s.dispatchVaultRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchWalletRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchSessionRPC(ctx, method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
	})
}
