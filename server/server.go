package server

import (
	"context"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/dedupe"
	"github.com/relaydocs/spacesync/internal/httpapi"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
	"github.com/relaydocs/spacesync/resources"
	"github.com/relaydocs/spacesync/tools"
)

// CreateServer wires an MCP server exposing the export orchestrator as
// start-export, export-status, and resume-export tools, plus a
// spacesync://<exportId>/status resource, against the given workspace
// API client and output directory.
func CreateServer(client *httpapi.Client, outputDir string, dedupeDir string, log logger.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "spacesync", Version: "v0.0.1"}, nil)

	manager := orchestrator.NewManager(log, client.SectionSource, func(cfg config.Config) (*dedupe.Index, error) {
		return dedupe.Open(filepath.Join(dedupeDir, cfg.ExportID+".db"), log)
	})
	manager.StatusOf = httpapi.StatusOf

	resourceHandler := resources.NewExportResourceHandler(manager, outputDir)

	mcp.AddTool(server, tools.StartExportTool(), func(ctx context.Context, req *mcp.CallToolRequest, query tools.StartExportQuery) (*mcp.CallToolResult, *tools.StartExportResponse, error) {
		return tools.StartExportToolHandler(ctx, req, query, manager, log)
	})

	mcp.AddTool(server, tools.ExportStatusTool(), func(ctx context.Context, req *mcp.CallToolRequest, query tools.ExportStatusQuery) (*mcp.CallToolResult, *tools.ExportStatusResponse, error) {
		return tools.ExportStatusToolHandler(ctx, req, query, manager, log)
	})

	mcp.AddTool(server, tools.ResumeExportTool(), func(ctx context.Context, req *mcp.CallToolRequest, query tools.ResumeExportQuery) (*mcp.CallToolResult, *tools.ResumeExportResponse, error) {
		return tools.ResumeExportToolHandler(ctx, req, query, manager, log)
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "spacesync://{exportId}/status",
		Name:        "export-status",
		Description: "Progress snapshot for a running or completed export",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return resourceHandler.ReadResource(ctx, req.Params.URI)
	})

	return server
}
