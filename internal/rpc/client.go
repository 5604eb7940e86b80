package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote Director.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Direct forces a turn. Empty targetID lets the scorer choose.
func (c *Client) Direct(ctx context.Context, sessionID, instruction, targetID string) (map[string]any, error) {
	return c.call(ctx, "Direct", map[string]any{"session_id": sessionID, "instruction": instruction, "target_id": targetID})
}

func (c *Client) QueueOverride(ctx context.Context, sessionID, instruction, targetID string) (map[string]any, error) {
	return c.call(ctx, "QueueOverride", map[string]any{"session_id": sessionID, "instruction": instruction, "target_id": targetID})
}

func (c *Client) ClearOverride(ctx context.Context, sessionID string) (map[string]any, error) {
	return c.call(ctx, "ClearOverride", map[string]any{"session_id": sessionID})
}

func (c *Client) State(ctx context.Context, sessionID string) (map[string]any, error) {
	return c.call(ctx, "State", map[string]any{"session_id": sessionID})
}
