package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// Client is a thin HTTP client for the management API. Requests that never
// reached the server, or that hit a follower, are retried with backoff.
type Client struct {
	httpc    *http.Client
	attempts int
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{httpc: &http.Client{Timeout: timeout}, attempts: 3}
}

// Call sends req to the server at addr (host:port).
func (c *Client) Call(ctx context.Context, addr string, req transport.Request) (transport.Reply, error) {
	var out transport.Reply
	method, target, body, err := route(addr, req)
	if err != nil {
		return out, err
	}
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		var retry bool
		out, retry, lastErr = c.do(ctx, method, target, body)
		if !retry {
			return out, lastErr
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return out, lastErr
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (transport.Reply, bool, error) {
	var out transport.Reply
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return out, false, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return out, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false, fmt.Errorf("httpjson: status %d: %s", resp.StatusCode, string(b))
	}
	if err := out.Err(); err != nil {
		return out, out.Code == transport.CodeNotLeader, err
	}
	return out, false, nil
}

func route(addr string, req transport.Request) (method, target string, body []byte, err error) {
	base := "http://" + addr + "/v1/"
	switch req.Op {
	case transport.OpStatus:
		return http.MethodGet, base + "status?cluster=" + url.QueryEscape(req.ClusterID), nil, nil
	case transport.OpList:
		return http.MethodGet, base + "list", nil, nil
	case "":
		return "", "", nil, fmt.Errorf("httpjson: empty op")
	}
	body, err = json.Marshal(req)
	return http.MethodPost, base + req.Op, body, err
}

// Watch streams events for clusterID (all clusters when empty) into fn
// until ctx ends. The stream is not subject to the client timeout.
func (c *Client) Watch(ctx context.Context, addr, clusterID string, fn func(cluster.Event)) error {
	target := "http://" + addr + "/v1/watch?cluster=" + url.QueryEscape(clusterID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	streamc := &http.Client{Transport: c.httpc.Transport}
	resp, err := streamc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httpjson: watch status %d: %s", resp.StatusCode, string(b))
	}
	dec := json.NewDecoder(resp.Body)
	for {
		var ev cluster.Event
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
