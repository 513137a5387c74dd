// Package mcp implements the MCP-facing method surface: initialize,
// tools/list, tools/call. It reads one JSON-RPC message at a time off a
// transport.Transport, dispatches through internal/registry, and writes
// the response back — spec §4.1/§4.2.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/auth"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/jsonrpc"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/registry"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/transport"
)

const protocolVersion = "2024-11-05"

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server binds one transport to the tool registry for the lifetime of a
// single MCP client connection.
type Server struct {
	transport transport.Transport
	registry  *registry.Registry
	principal auth.Principal
	logger    *zap.Logger
	version   string
}

func NewServer(t transport.Transport, reg *registry.Registry, principal auth.Principal, version string, logger *zap.Logger) *Server {
	return &Server{transport: t, registry: reg, principal: principal, version: version, logger: logger.Named("mcp")}
}

// Serve reads and handles messages until the transport closes or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := s.transport.ReadMessage()
		if err != nil {
			return err
		}

		resp := s.handle(ctx, raw)
		if resp == nil {
			continue // notification, no response expected
		}

		payload, err := jsonrpc.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to marshal response", zap.Error(err))
			continue
		}
		if err := s.transport.WriteMessage(payload); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, raw []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonrpc.NewError(nil, jsonrpc.ErrParseError, "invalid JSON-RPC envelope", nil)
	}

	switch req.Method {
	case "initialize":
		return jsonrpc.NewResult(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: "bevy-debugger-mcp", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})

	case "tools/list":
		tools := s.registry.List()
		descriptors := make([]toolDescriptor, 0, len(tools))
		for _, t := range tools {
			descriptors = append(descriptors, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.SchemaJSON})
		}
		return jsonrpc.NewResult(req.ID, toolsListResult{Tools: descriptors})

	case "tools/call":
		return s.handleToolsCall(ctx, req)

	default:
		return jsonrpc.NewError(req.ID, jsonrpc.ErrMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.ErrInvalidParams, "tools/call params must include name and arguments", nil)
	}

	result, err := s.registry.Dispatch(ctx, s.principal, params.Name, params.Arguments)
	if err != nil {
		e := errs.AsError(err)
		envelope := errs.ToEnvelope(e, time.Now())
		data, _ := json.Marshal(envelope)
		return jsonrpc.NewError(req.ID, codeToJSONRPC(e), e.Message, json.RawMessage(data))
	}

	return jsonrpc.NewResult(req.ID, result)
}

func codeToJSONRPC(e *errs.Error) int {
	switch e.Code {
	case errs.CodeInvalidParams, errs.CodeSchemaMismatch:
		return jsonrpc.ErrInvalidParams
	case errs.CodeMethodNotFound:
		return jsonrpc.ErrMethodNotFound
	default:
		return jsonrpc.ErrInternalError
	}
}
