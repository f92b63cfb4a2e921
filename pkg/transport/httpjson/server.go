// Package httpjson serves and calls the management API over HTTP with JSON
// bodies.
package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// postOps are served as POST /v1/<op> with a transport.Request body.
var postOps = []string{
	transport.OpCreate, transport.OpAdd, transport.OpDown, transport.OpUp,
	transport.OpRemove, transport.OpPartition, transport.OpIsolate, transport.OpHeal,
	transport.OpFacts, transport.OpJoin, transport.OpLeave,
}

// Server exposes the management API plus /healthz and /metrics.
type Server struct {
	bind   string
	logger *log.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener

	// streams is canceled on shutdown so open watch streams end.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer binds to the given TCP address (e.g. ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	streams, stop := context.WithCancel(context.Background())
	return &Server{bind: bind, logger: logger, streams: streams, stopStreams: stop}
}

// Handler builds the request mux. It is exported for tests that want to use
// httptest without a listener.
func (s *Server) Handler(h *transport.Handler) http.Handler {
	mux := http.NewServeMux()
	for _, op := range postOps {
		op := op
		mux.HandleFunc("/v1/"+op, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var req transport.Request
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
				writeReply(w, transport.Reply{Error: fmt.Sprintf("bad request: %v", err), Code: transport.CodeValidation})
				return
			}
			req.Op = op
			writeReply(w, h.Handle(r.Context(), req))
		})
	}
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req := transport.Request{Op: transport.OpStatus, ClusterID: r.URL.Query().Get("cluster")}
		writeReply(w, h.Handle(r.Context(), req))
	})
	mux.HandleFunc("/v1/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeReply(w, h.Handle(r.Context(), transport.Request{Op: transport.OpList}))
	})
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(s.streams, cancel)
		defer stop()
		enc := json.NewEncoder(w)
		_ = h.Watch(ctx, r.URL.Query().Get("cluster"), func(ev cluster.Event) error {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeReply(w http.ResponseWriter, rep transport.Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(transport.HTTPStatus(rep.Code))
	_ = json.NewEncoder(w).Encode(rep)
}

// Start listens and serves until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, h *transport.Handler) error {
	if h == nil || h.Coord == nil {
		return fmt.Errorf("httpjson: handler with coordinator required")
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}
	srv.RegisterOnShutdown(s.stopStreams)

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	logutil.Infof(s.logger, "httpjson: management API on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
