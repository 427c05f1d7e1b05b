package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/newsrag/internal/service"
)

const (
	// ServerName is the MCP server name
	ServerName = "newsrag"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp     *server.MCPServer
	service *service.Service
	logger  *slog.Logger
}

// NewServer creates an MCP server exposing svc. The caller starts and
// closes svc.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:     mcpServer,
		service: svc,
		logger:  logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("serving MCP over stdio", "tools", len(s.mcp.ListTools()))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	// Feed registry
	s.mcp.AddTool(registerFeedTool(), s.handleRegisterFeed)
	s.mcp.AddTool(removeFeedTool(), s.handleRemoveFeed)
	s.mcp.AddTool(listFeedsTool(), s.handleListFeeds)

	// Ingestion
	s.mcp.AddTool(triggerIngestionTool(), s.handleTriggerIngestion)
	s.mcp.AddTool(listIngestionRunsTool(), s.handleListIngestionRuns)

	// Documents
	s.mcp.AddTool(listDocumentsTool(), s.handleListDocuments)
	s.mcp.AddTool(getDocumentTool(), s.handleGetDocument)
	s.mcp.AddTool(retryDocumentTool(), s.handleRetryDocument)

	s.mcp.AddTool(queryTool(), s.handleQuery)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
