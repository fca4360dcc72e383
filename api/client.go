package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a node's control service.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
	close func() error
}

// Dial connects to the control service at target.
func Dial(target, token string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	c := NewClient(conn, token)
	c.close = conn.Close
	return c, nil
}

// NewClient wraps an existing connection. An empty token sends no
// authorization metadata.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// Send publishes data on subject through the remote node.
func (c *Client) Send(ctx context.Context, subject string, data []byte) error {
	req, err := structpb.NewStruct(map[string]any{FieldSubject: subject, FieldData: string(data)})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Send", req, new(structpb.Struct))
}

// Join asks the remote node to join address.
func (c *Client) Join(ctx context.Context, address string) error {
	req, err := structpb.NewStruct(map[string]any{FieldAddress: address})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Join", req, new(emptypb.Empty))
}

// Status returns the remote node counters.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Health returns the remote health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Health", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Sysinfo asks the remote node for the sysinfo of fingerprint.
func (c *Client) Sysinfo(ctx context.Context, fingerprint string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{FieldFingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Sysinfo", req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthorizationKey, "Bearer "+c.token)
	}
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}
