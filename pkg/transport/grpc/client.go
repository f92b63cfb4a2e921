package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// Client calls management servers, reusing one connection per address.
type Client struct {
	timeout time.Duration

	once sync.Once
	cm   *ConnManager
}

// NewClient constructs a client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

func dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	)
}

func (c *Client) conns() *ConnManager {
	c.once.Do(func() { c.cm = NewConnManager(30*time.Second, dial) })
	return c.cm
}

// Call sends req to the server at addr.
func (c *Client) Call(ctx context.Context, addr string, req transport.Request) (transport.Reply, error) {
	var out transport.Reply
	method, ok := methodFor(req.Op)
	if !ok {
		return out, fmt.Errorf("grpc: unknown op %q", req.Op)
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.conns().Get(cctx, addr)
	if err != nil {
		return out, err
	}
	defer rel()
	if err := cc.Invoke(cctx, method, &req, &out, grpc.WaitForReady(true)); err != nil {
		return out, err
	}
	return out, out.Err()
}

// Watch streams events for clusterID (all clusters when empty) into fn
// until ctx ends. The stream is not subject to the call timeout.
func (c *Client) Watch(ctx context.Context, addr, clusterID string, fn func(cluster.Event)) error {
	cc, rel, err := c.conns().Get(ctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	sd := &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/"+serviceName+"/Watch", grpc.WaitForReady(true))
	if err != nil {
		return err
	}
	if err := cs.SendMsg(&transport.Request{Op: transport.OpWatch, ClusterID: clusterID}); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		var ev cluster.Event
		if err := cs.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}

// Close drops every cached connection.
func (c *Client) Close() error {
	c.conns().Close()
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
