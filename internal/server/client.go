package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote FileChanges service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient wraps an existing connection. Close is a no-op.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, closer: func() error { return nil }}
}

// Enqueue submits body and returns the message id.
func (c *Client) Enqueue(ctx context.Context, body []byte) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, enqueueMethod, wrapperspb.String(string(body)), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Status fetches the remote transport counters.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	return c.closer()
}
