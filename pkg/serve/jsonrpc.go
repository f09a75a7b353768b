package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON-RPC 2.0 envelope types.
// See: https://www.jsonrpc.org/specification

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and so must not
// be answered.
func (r *JSONRPCRequest) IsNotification() bool { return r.ID == nil }

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Server error codes (reserved range -32000..-32099).
const (
	// ErrCodeNotFound: the task or approval id is unknown.
	ErrCodeNotFound = -32004
	// ErrCodeStopped: the runtime has shut down.
	ErrCodeStopped = -32005
	// ErrCodeRejected: the runtime refused the command.
	ErrCodeRejected = -32006
)

const (
	ErrMsgParseError     = "Parse error"
	ErrMsgInvalidRequest = "Invalid Request"
	ErrMsgMethodNotFound = "Method not found"
	ErrMsgInvalidParams  = "Invalid params"
	ErrMsgInternalError  = "Internal error"
)

func NewJSONRPCError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

// MethodHandler handles one JSON-RPC method call.
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError)

// MethodRegistry maps method names to handlers. It is filled before serving
// and read-only afterwards.
type MethodRegistry struct {
	methods map[string]MethodHandler
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodHandler)}
}

func (r *MethodRegistry) RegisterMethod(name string, handler MethodHandler) {
	r.methods[name] = handler
}

// Methods lists the registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *JSONRPCError) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, NewJSONRPCError(ErrCodeMethodNotFound, ErrMsgMethodNotFound)
	}
	return handler(ctx, params)
}

// Handle parses one frame, dispatches it and builds the response. It
// returns nil for notifications.
func (r *MethodRegistry) Handle(ctx context.Context, data []byte) *JSONRPCResponse {
	req, rpcErr := ParseJSONRPCRequest(data)
	if rpcErr != nil {
		return &JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr}
	}

	result, rpcErr := r.Dispatch(ctx, req.Method, req.Params)
	if req.IsNotification() {
		return nil
	}
	return newResponse(req.ID, result, rpcErr)
}

func newResponse(id, result interface{}, rpcErr *JSONRPCError) *JSONRPCResponse {
	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewJSONRPCError(ErrCodeInternalError, ErrMsgInternalError)
		return resp
	}
	resp.Result = raw
	return resp
}

func ValidateJSONRPCRequest(req *JSONRPCRequest) *JSONRPCError {
	if req.JSONRPC != "2.0" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if req.Method == "" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "method is required")
	}
	// Params are method specific and checked by the handler.
	return nil
}

func ParseJSONRPCRequest(data []byte) (*JSONRPCRequest, *JSONRPCError) {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewJSONRPCError(ErrCodeParseError, ErrMsgParseError)
	}
	if validationErr := ValidateJSONRPCRequest(&req); validationErr != nil {
		return nil, validationErr
	}
	return &req, nil
}

// decodeParams unmarshals params into v, treating absent params as {}.
func decodeParams(params json.RawMessage, v interface{}) *JSONRPCError {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewJSONRPCError(ErrCodeInvalidParams, fmt.Sprintf("%s: %v", ErrMsgInvalidParams, err))
	}
	return nil
}
