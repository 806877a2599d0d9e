package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sourcegraph/jsonrpc2"
)

// maxBodyBytes bounds an inbound JSON-RPC body.
const maxBodyBytes = 4 << 20

// RequestHandler answers one decoded JSON-RPC request.
// It returns nil for notifications.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) *Response
}

// Transport defines the interface for MCP transport mechanisms.
// Implementations decode envelopes, hand them to a RequestHandler and
// write the responses back.
type Transport interface {
	// Start begins accepting requests. It does not block.
	Start(ctx context.Context) error

	// Done is signalled when the transport stops on its own, with the
	// error that stopped it (nil on a clean end of input).
	Done() <-chan error

	// Close gracefully shuts down the transport.
	Close() error
}

// DecodeRequest parses one JSON-RPC envelope. When the envelope is unusable it
// returns the error response to send instead.
func DecodeRequest(data []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewErrorResponse(nil, &Error{Code: ParseError, Message: "Parse error: " + err.Error()})
	}
	if req.JSONRPC != Version {
		return nil, NewErrorResponse(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request: jsonrpc must be \"2.0\""})
	}
	if req.Method == "" {
		return nil, NewErrorResponse(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request: method is required"})
	}
	return &req, nil
}

// HTTPTransportOptions configures an HTTPTransport.
type HTTPTransportOptions struct {
	Host        string
	Port        int
	CORSOrigins []string
	Handler     RequestHandler
	// Routes adds extra handlers keyed by ServeMux pattern, e.g. "GET /health".
	Routes map[string]http.Handler
	Logger *slog.Logger
}

// HTTPTransport implements Transport as JSON-RPC over HTTP POST.
// Every POST carries one request (or a batch) and gets its response in the
// reply body; notifications are answered with 202 and no body.
type HTTPTransport struct {
	opts     HTTPTransportOptions
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	done     chan error
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
}

// NewHTTPTransport creates a new HTTPTransport instance.
func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPTransport{
		opts:   opts,
		done:   make(chan error, 1),
		logger: logger,
	}

	mux := http.NewServeMux()
	rpc := http.HandlerFunc(t.handleRPC)
	mux.Handle("POST /rpc", rpc)
	mux.Handle("POST /mcp", rpc)
	mux.Handle("POST /{$}", rpc)
	for pattern, h := range opts.Routes {
		mux.Handle(pattern, h)
	}

	t.handler = t.logRequests(corsMiddleware(opts.CORSOrigins, gzhttp.GzipHandler(mux)))
	return t
}

// Handler returns the full HTTP handler chain, for tests and embedding.
func (t *HTTPTransport) Handler() http.Handler {
	return t.handler
}

// Addr returns the bound listen address once Start has succeeded.
func (t *HTTPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start binds the listener and serves in the background.
// Bind errors are returned synchronously.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	addr := net.JoinHostPort(t.opts.Host, fmt.Sprintf("%d", t.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t.listener = ln
	t.server = &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		err := t.server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		t.done <- err
	}()

	// Monitor context for cancellation
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	t.logger.Info("HTTP transport listening", "addr", ln.Addr().String())
	return nil
}

// Done implements Transport.
func (t *HTTPTransport) Done() <-chan error {
	return t.done
}

// Close gracefully shuts down the HTTP server.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles POST requests carrying JSON-RPC envelopes.
func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(nil, &Error{Code: InvalidRequest, Message: "Invalid Request: body too large"}))
		return
	}
	defer r.Body.Close()

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		t.handleBatch(w, r, trimmed)
		return
	}

	resp := t.dispatch(r.Context(), trimmed)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBatch answers a JSON-RPC batch, preserving request order.
func (t *HTTPTransport) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(nil, &Error{Code: ParseError, Message: "Parse error: " + err.Error()}))
		return
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusOK, NewErrorResponse(nil, &Error{Code: InvalidRequest, Message: "Invalid Request: empty batch"}))
		return
	}

	slots := make([]*Response, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item json.RawMessage) {
			defer wg.Done()
			slots[i] = t.dispatch(r.Context(), item)
		}(i, item)
	}
	wg.Wait()

	out := make([]*Response, 0, len(slots))
	for _, resp := range slots {
		if resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (t *HTTPTransport) dispatch(ctx context.Context, data []byte) *Response {
	req, errResp := DecodeRequest(data)
	if errResp != nil {
		return errResp
	}
	resp := t.opts.Handler.HandleRequest(ctx, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(NewErrorResponse(nil, &Error{Code: InternalError, Message: "Internal error: failed to encode response"}))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// corsMiddleware answers preflight requests and decorates every reply with
// Access-Control-Allow-* headers.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (t *HTTPTransport) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		t.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// StdioTransport implements Transport over newline-delimited JSON-RPC on
// stdin/stdout. Requests are handled concurrently.
type StdioTransport struct {
	handler RequestHandler
	rwc     io.ReadWriteCloser
	conn    *jsonrpc2.Conn
	done    chan error
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewStdioTransport creates a StdioTransport on os.Stdin and os.Stdout.
func NewStdioTransport(handler RequestHandler, logger *slog.Logger) *StdioTransport {
	return NewStdioTransportWithIO(handler, os.Stdin, os.Stdout, logger)
}

// NewStdioTransportWithIO creates a StdioTransport with custom IO streams.
// This is primarily used for testing.
func NewStdioTransportWithIO(handler RequestHandler, r io.Reader, w io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		handler: handler,
		rwc:     stdioPipe{Reader: r, Writer: w},
		done:    make(chan error, 1),
		logger:  logger,
	}
}

// Start begins reading requests in the background.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	stream := jsonrpc2.NewBufferedStream(t.rwc, jsonrpc2.PlainObjectCodec{})
	t.conn = jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(t.handle)))

	go func() {
		select {
		case <-t.conn.DisconnectNotify():
			t.done <- nil
		case <-ctx.Done():
			t.Close()
			t.done <- nil
		}
	}()

	t.logger.Info("stdio transport started")
	return nil
}

// handle bridges a jsonrpc2 request to the RequestHandler.
func (t *StdioTransport) handle(ctx context.Context, _ *jsonrpc2.Conn, r *jsonrpc2.Request) (interface{}, error) {
	req := &Request{JSONRPC: Version, Method: r.Method}
	if !r.Notif {
		id := r.ID
		req.ID = &id
	}
	if r.Params != nil {
		req.Params = *r.Params
	}

	resp := t.handler.HandleRequest(ctx, req)
	if resp == nil {
		return nil, nil
	}
	if resp.Error != nil {
		return nil, &jsonrpc2.Error{Code: int64(resp.Error.Code), Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Done implements Transport.
func (t *StdioTransport) Done() <-chan error {
	return t.done
}

// Close gracefully shuts down the transport.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// stdioPipe joins a reader and a writer into an io.ReadWriteCloser.
// Closing it leaves the underlying streams open.
type stdioPipe struct {
	io.Reader
	io.Writer
}

func (stdioPipe) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*StdioTransport)(nil)
)
