// Package client talks to a running courierd over its Unix domain socket.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New dials the daemon's Unix domain socket. The connection is lazy, so an
// absent daemon surfaces on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Status returns the serving status of each service, keyed by name. The
// empty name is the daemon itself.
func (c *Client) Status(ctx context.Context, services ...string) (map[string]string, error) {
	out := make(map[string]string, len(services))
	for _, svc := range services {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", svc, err)
		}
		out[svc] = resp.Status.String()
	}
	return out, nil
}

// Watch calls fn with every status change of service until ctx ends or the
// stream breaks.
func (c *Client) Watch(ctx context.Context, service string, fn func(status string)) error {
	stream, err := c.Health.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("watch %q: %w", service, err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(resp.Status.String())
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
