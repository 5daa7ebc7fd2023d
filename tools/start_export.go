package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
)

// StartExportQuery names everything a caller may override from
// config.Default(); zero values keep the documented default.
type StartExportQuery struct {
	ExportID  string   `json:"export_id"`
	OutputDir string   `json:"output_dir"`
	Format    string   `json:"format,omitempty"`
	Sections  []string `json:"sections,omitempty"`
}

type StartExportResponse struct {
	ExportID string `json:"export_id"`
	Started  bool   `json:"started"`
	Error    string `json:"error,omitempty"`
}

func StartExportTool() *mcp.Tool {
	inputschema, err := jsonschema.For[StartExportQuery](nil)
	if err != nil {
		panic(err)
	}
	return &mcp.Tool{
		Name:        "start-export",
		Description: "Start a resumable export of a workspace (pages, databases, users, blocks, comments, properties) to a local output directory. Returns immediately; use export-status to poll progress.",
		InputSchema: inputschema,
	}
}

func StartExportToolHandler(ctx context.Context, req *mcp.CallToolRequest, query StartExportQuery, manager *orchestrator.Manager, log logger.Logger) (*mcp.CallToolResult, *StartExportResponse, error) {
	log.Info("start-export tool called for %s", query.ExportID)

	cfg := config.Default()
	cfg.ExportID = query.ExportID
	cfg.OutputDir = query.OutputDir
	if query.Format != "" {
		cfg.Format = query.Format
	}
	if len(query.Sections) > 0 {
		cfg.Sections = query.Sections
	}

	if err := manager.Start(cfg); err != nil {
		log.Error("failed to start export %s: %v", query.ExportID, err)
		return nil, &StartExportResponse{ExportID: query.ExportID, Error: err.Error()}, nil
	}

	return nil, &StartExportResponse{ExportID: query.ExportID, Started: true}, nil
}
