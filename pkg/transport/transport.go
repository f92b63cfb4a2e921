// Package transport defines the management API shared by the HTTP JSON and
// gRPC servers: one Request/Reply envelope dispatched by a Handler.
package transport

import (
	"context"
	"net/http"
)

// RPCServer serves management requests.
type RPCServer interface {
	Start(ctx context.Context, h *Handler) error
	// Addr returns the bound listener address once started.
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient sends management requests to a server at addr. Error replies
// are returned as a *RemoteError alongside the reply.
type RPCClient interface {
	Call(ctx context.Context, addr string, req Request) (Reply, error)
	Close() error
}

// HTTPStatus maps an error code to the status the HTTP server answers with.
func HTTPStatus(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNotLeader:
		return http.StatusServiceUnavailable
	case CodeUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
