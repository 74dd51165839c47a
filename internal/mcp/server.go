package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiswarm/swarmd/internal/log"
)

// ToolHandler is a function that handles a tool call.
// It receives the parsed arguments and returns a result or error. The
// context is the caller's: cancelling the request cancels any blocking
// operation underneath.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server implements an MCP server over stdio and HTTP.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	toolOrder    []string
	handlers     map[string]ToolHandler

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool
	tracer      trace.Tracer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "registered tool", "name", tool.Name)
}

// SetTracer sets the tracer used to span each tool call.
func (s *Server) SetTracer(tracer trace.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = tracer
}

// Serve reads newline-delimited JSON-RPC from stdin and writes responses to
// stdout. Blocks until EOF or Stop.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Handler returns the HTTP handler for MCP-over-HTTP transport. The request
// context flows into tool handlers, so a dropped connection cancels any
// blocking tool call.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		response := s.handleRequestBytes(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(response); err != nil {
			log.Debug(log.CatMCP, "failed to write response", "error", err)
		}
	})
}

// LogTailHandler streams formatted debug-log entries as plain text until the
// client disconnects. Backs the --monitor CLI flag.
func LogTailHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries := log.Subscribe(r.Context())
		if entries == nil {
			http.Error(w, "logging disabled", http.StatusServiceUnavailable)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for entry := range entries {
			if _, err := io.WriteString(w, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	})
}

// handleRequestBytes processes a single JSON-RPC request and returns the
// response bytes. Used by the HTTP transport.
func (s *Server) handleRequestBytes(ctx context.Context, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		errResp := NewErrorResponse(nil, NewParseError(err.Error()))
		data, _ := json.Marshal(errResp)
		return data
	}

	if len(req.ID) > 0 && string(req.ID) != "null" {
		resp := s.dispatch(ctx, &req)
		data, _ := json.Marshal(resp)
		return data
	}

	s.handleNotification(&req)
	return []byte("{}")
}

// Stop shuts down the server, cancelling any in-flight stdio tool calls.
func (s *Server) Stop() {
	s.cancel()
}

// run is the stdio server loop.
func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Increase buffer for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		// json.RawMessage is []byte; length distinguishes requests from
		// notifications.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.send(s.dispatch(s.ctx, &req))
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// dispatch routes one JSON-RPC request to its method handler.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	log.Debug(log.CatMCP, "handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// handleNotification processes a JSON-RPC notification (no response needed).
func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "client initialized")
	default:
		// Unknown notifications are ignored per spec
		log.Debug(log.CatMCP, "unknown notification", "method", req.Method)
	}
}

// handleInitialize processes the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{
				ListChanged: false, // We don't emit list change notifications
			},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

// handleToolsList returns the tools in registration order.
func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tools = append(tools, s.tools[name])
	}

	return ToolsListResult{Tools: tools}, nil
}

// handleToolsCall invokes a tool and returns its result.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	tracer := s.tracer
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "mcp.tool/"+p.Name,
			trace.WithAttributes(attribute.String("tool.name", p.Name)))
		defer span.End()
	}

	startTime := time.Now()
	result, err := handler(ctx, p.Arguments)
	duration := time.Since(startTime)

	log.Debug(log.CatMCP, "tool call finished",
		"name", p.Name, "durationMs", duration.Milliseconds(), "error", err)

	if err != nil {
		// Return the error as a tool result, not an RPC error
		return ErrorResult(err.Error()), nil
	}

	return result, nil
}

// sendError sends an error response over stdio.
func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	s.send(NewErrorResponse(id, err))
}

// send marshals and writes a response to stdout.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	// MCP uses newline-delimited JSON
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "failed to write response", "error", err)
	}
}
