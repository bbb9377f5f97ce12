package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/automation"
	"github.com/marcus-qen/cadence/internal/nudge"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// MCPServer exposes cadence automation and nudge capabilities as MCP tools/resources.
type MCPServer struct {
	server     *mcp.Server
	handler    http.Handler
	automation *automation.Service
	policies   nudge.PolicySource
	logger     *zap.Logger
}

// New creates and wires the MCP server surface for cadence.
func New(svc *automation.Service, policies nudge.PolicySource, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "cadence",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:     srv,
		automation: svc,
		policies:   policies,
		logger:     logger.Named("mcp"),
	}

	m.registerTools()
	m.registerResources()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
