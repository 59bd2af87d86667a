// Package jsonrpc holds the JSON-RPC 2.0 message types shared by the tool
// server and the stdio client for remote tool servers.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version spoken
const Version = "2.0"

// ProtocolVersion is the tool protocol version announced during initialize
const ProtocolVersion = "2024-11-05"

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a request or, without an ID, a notification
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response carries exactly one of Result or Error
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a numeric id
func NewRequest(id int64, method string, params any) (*Request, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = IntID(id)
	return req, nil
}

// NewNotification builds a request without an id
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a success response
func NewResult(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternalError, fmt.Sprintf("failed to marshal result: %v", err))
	}
	return &Response{JSONRPC: Version, ID: nullID(id), Result: raw}
}

// NewError builds an error response
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: nullID(id), Error: &Error{Code: code, Message: message}}
}

// IntID encodes a numeric id
func IntID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// ParseIntID decodes a numeric id, reporting false for string or null ids
func ParseIntID(id json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Tool describes one tool in a tools/list result
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolsListResult is the tools/list result
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams are the tools/call parameters
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Content is one content block of a tools/call result
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolsCallResult is the tools/call result
type ToolsCallResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// Info identifies a client or server during initialize
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams are the client's initialize parameters
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Info           `json:"clientInfo"`
}

// InitializeResult is the server's initialize result
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Info           `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}
