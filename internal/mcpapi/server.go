// Package mcpapi exposes Submit, Status, and Cleanup as Model Context
// Protocol tools over stdio, delegating to the same Registry and
// Orchestrator entry points the HTTP API uses.
package mcpapi

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/workshopd/internal/urlparse"
	"github.com/ternarybob/workshopd/pkg/orchestrator"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/scraper"
)

// Server wraps an MCP server exposing the download pipeline's caller
// operations as agent-invocable tools.
type Server struct {
	mcp        *server.MCPServer
	orch       *orchestrator.Orchestrator
	reg        *registry.Registry
	scraper    *scraper.Scraper
	appID      string
	logger     arbor.ILogger
}

// New constructs the Agent Tool Surface. version is the service's own
// build version, reported to MCP clients during initialize.
func New(version string, orch *orchestrator.Orchestrator, reg *registry.Registry, scr *scraper.Scraper, appID string, logger arbor.ILogger) *Server {
	s := &Server{
		mcp:     server.NewMCPServer("workshopd", version),
		orch:    orch,
		reg:     reg,
		scraper: scr,
		appID:   appID,
		logger:  logger,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("submit_download",
		mcp.WithDescription("Submit a Steam Workshop item URL for download and packaging"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Workshop item URL containing id=<digits>")),
	), s.handleSubmit)

	s.mcp.AddTool(mcp.NewTool("job_status",
		mcp.WithDescription("Get the current state, progress, and download URL for a submitted job"),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id returned by submit_download")),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("cleanup_job",
		mcp.WithDescription("Cancel a running job if any, dispose its workspace, and drop it from the registry"),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id to clean up")),
	), s.handleCleanup)
}

func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, ok := req.Params.Arguments["url"].(string)
	if !ok || url == "" {
		return mcp.NewToolResultError("url is required"), nil
	}

	itemID, err := urlparse.ItemID(url)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	meta, err := s.scraper.Fetch(ctx, itemID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("metadata fetch failed: %v", err)), nil
	}
	if !meta.Valid {
		return mcp.NewToolResultError("InvalidItem"), nil
	}
	if meta.ApplicationID != "" && meta.ApplicationID != s.appID {
		return mcp.NewToolResultError("WrongApplication"), nil
	}

	jobID, err := s.orch.Submit(itemID, registry.Metadata{
		Title:             meta.Title,
		Author:            meta.Author,
		ApplicationID:     meta.ApplicationID,
		PreviewImageURL:   meta.PreviewImageURL,
		DeclaredSizeBytes: meta.DeclaredSizeBytes,
		Valid:             meta.Valid,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("jobId=%s itemId=%s", jobID, itemID)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, ok := req.Params.Arguments["jobId"].(string)
	if !ok || jobID == "" {
		return mcp.NewToolResultError("jobId is required"), nil
	}

	snap, found := s.reg.Status(jobID)
	if !found {
		return mcp.NewToolResultError("job not found"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("state=%s progress=%d lastError=%s", snap.State, snap.Progress, snap.LastError)), nil
}

func (s *Server) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, ok := req.Params.Arguments["jobId"].(string)
	if !ok || jobID == "" {
		return mcp.NewToolResultError("jobId is required"), nil
	}

	if err := s.orch.Forget(jobID); err != nil {
		if registry.IsNotFound(err) {
			return mcp.NewToolResultText("already clean"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText("cleaned"), nil
}

// ServeStdio runs the MCP server over stdio, blocking until the stdio
// session ends.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
