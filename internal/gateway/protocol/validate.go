package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldError pinpoints one invalid field by its JSON path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates every field failure of one method's params.
// Validators run before any side effect; a non-nil ValidationError means the
// params never reach business logic.
type ValidationError struct {
	Method string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
	}
	return fmt.Sprintf("invalid %s params: %s", e.Method, strings.Join(parts, "; "))
}

// Protocol converts the validation failure into the wire error shape.
func (e *ValidationError) Protocol() *Error {
	fields := make([]any, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, map[string]any{"path": f.Path, "message": f.Message})
	}
	return &Error{
		Code:    CodeInvalidRequest,
		Message: e.Error(),
		Details: map[string]any{"fields": fields},
	}
}

type fieldCollector struct {
	method string
	fields []FieldError
}

func (c *fieldCollector) add(path, message string) {
	c.fields = append(c.fields, FieldError{Path: path, Message: message})
}

func (c *fieldCollector) require(path, value string) {
	if strings.TrimSpace(value) == "" {
		c.add(path, "required")
	}
}

func (c *fieldCollector) err() *ValidationError {
	if len(c.fields) == 0 {
		return nil
	}
	return &ValidationError{Method: c.method, Fields: c.fields}
}

func unmarshalParams(method string, raw json.RawMessage, dst any) *ValidationError {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Method: method, Fields: []FieldError{{Path: "params", Message: err.Error()}}}
	}
	return nil
}

// DecodeConnectParams validates the connect handshake params.
func DecodeConnectParams(raw json.RawMessage) (*ConnectParams, *ValidationError) {
	var p ConnectParams
	if verr := unmarshalParams("connect", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "connect"}
	c.require("client.id", p.Client.ID)
	c.require("client.mode", p.Client.Mode)
	c.require("client.version", p.Client.Version)
	if p.MinProtocol < 1 {
		c.add("minProtocol", "must be >= 1")
	}
	if p.MaxProtocol < p.MinProtocol {
		c.add("maxProtocol", "must be >= minProtocol")
	}
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// PairRequestParams is the schema of node.pair.request.
type PairRequestParams struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps,omitempty"`
	Commands        []string `json:"commands,omitempty"`
	RemoteIP        string   `json:"remoteIp,omitempty"`
	Silent          bool     `json:"silent,omitempty"`
}

// DecodePairRequestParams validates node.pair.request params.
func DecodePairRequestParams(raw json.RawMessage) (*PairRequestParams, *ValidationError) {
	var p PairRequestParams
	if verr := unmarshalParams("node.pair.request", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "node.pair.request"}
	c.require("nodeId", p.NodeID)
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// PairResolveParams is the schema of node.pair.approve / node.pair.reject.
type PairResolveParams struct {
	RequestID string `json:"requestId"`
}

// DecodePairResolveParams validates approve/reject params.
func DecodePairResolveParams(method string, raw json.RawMessage) (*PairResolveParams, *ValidationError) {
	var p PairResolveParams
	if verr := unmarshalParams(method, raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: method}
	c.require("requestId", p.RequestID)
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// PairVerifyParams is the schema of node.pair.verify.
type PairVerifyParams struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

// DecodePairVerifyParams validates node.pair.verify params.
func DecodePairVerifyParams(raw json.RawMessage) (*PairVerifyParams, *ValidationError) {
	var p PairVerifyParams
	if verr := unmarshalParams("node.pair.verify", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "node.pair.verify"}
	c.require("nodeId", p.NodeID)
	c.require("token", p.Token)
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// RenameParams is the schema of node.rename.
type RenameParams struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName"`
}

// DecodeRenameParams validates node.rename params.
func DecodeRenameParams(raw json.RawMessage) (*RenameParams, *ValidationError) {
	var p RenameParams
	if verr := unmarshalParams("node.rename", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "node.rename"}
	c.require("nodeId", p.NodeID)
	c.require("displayName", p.DisplayName)
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// DescribeParams is the schema of node.describe.
type DescribeParams struct {
	NodeID string `json:"nodeId"`
}

// DecodeDescribeParams validates node.describe params.
func DecodeDescribeParams(raw json.RawMessage) (*DescribeParams, *ValidationError) {
	var p DescribeParams
	if verr := unmarshalParams("node.describe", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "node.describe"}
	c.require("nodeId", p.NodeID)
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// InvokeParams is the schema of node.invoke.
type InvokeParams struct {
	NodeID         string          `json:"nodeId"`
	Command        string          `json:"command"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// DecodeInvokeParams validates node.invoke params.
func DecodeInvokeParams(raw json.RawMessage) (*InvokeParams, *ValidationError) {
	var p InvokeParams
	if verr := unmarshalParams("node.invoke", raw, &p); verr != nil {
		return nil, verr
	}
	c := fieldCollector{method: "node.invoke"}
	c.require("nodeId", p.NodeID)
	c.require("command", p.Command)
	c.require("idempotencyKey", p.IdempotencyKey)
	if p.TimeoutMs < 0 {
		c.add("timeoutMs", "must be >= 0")
	}
	if verr := c.err(); verr != nil {
		return nil, verr
	}
	return &p, nil
}
