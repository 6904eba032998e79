package tools

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-assistant/core"
)

// DefaultGRPCMethod is the unary method GRPCBackend calls.
const DefaultGRPCMethod = "/assistant.tools.v1.ToolService/Execute"

// GRPCBackend calls a unary method taking and returning
// google.protobuf.Struct. The request carries "action" and "payload"; the
// auth token travels as "authorization" metadata.
type GRPCBackend struct {
	conn   grpc.ClientConnInterface
	method string
}

// NewGRPCBackend creates a backend on conn. An empty method uses
// DefaultGRPCMethod.
func NewGRPCBackend(conn grpc.ClientConnInterface, method string) *GRPCBackend {
	if method == "" {
		method = DefaultGRPCMethod
	}
	return &GRPCBackend{conn: conn, method: method}
}

// Invoke implements Backend.
func (b *GRPCBackend) Invoke(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	in, err := structpb.NewStruct(map[string]any{
		"action":  req.Action,
		"payload": payload,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "payload is not representable as a struct", goerr.V("action", req.Action))
	}

	if req.AuthToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+req.AuthToken)
	}

	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, b.method, in, out); err != nil {
		return nil, goerr.Wrap(err, "grpc tool call failed", goerr.V("method", b.method), goerr.V("action", req.Action))
	}
	return out.AsMap(), nil
}
