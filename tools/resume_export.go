package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
)

type ResumeExportQuery struct {
	ExportID  string `json:"export_id"`
	OutputDir string `json:"output_dir"`
}

type ResumeExportResponse struct {
	ExportID string `json:"export_id"`
	Resumed  bool   `json:"resumed"`
	Error    string `json:"error,omitempty"`
}

func ResumeExportTool() *mcp.Tool {
	inputschema, err := jsonschema.For[ResumeExportQuery](nil)
	if err != nil {
		panic(err)
	}
	return &mcp.Tool{
		Name:        "resume-export",
		Description: "Resume a previously interrupted export from its on-disk checkpoint, continuing from the first incomplete section.",
		InputSchema: inputschema,
	}
}

func ResumeExportToolHandler(ctx context.Context, req *mcp.CallToolRequest, query ResumeExportQuery, manager *orchestrator.Manager, log logger.Logger) (*mcp.CallToolResult, *ResumeExportResponse, error) {
	log.Info("resume-export tool called for %s", query.ExportID)

	cfg := config.Default()
	cfg.ExportID = query.ExportID
	cfg.OutputDir = query.OutputDir

	if err := manager.Resume(cfg); err != nil {
		log.Error("failed to resume export %s: %v", query.ExportID, err)
		return nil, &ResumeExportResponse{ExportID: query.ExportID, Error: err.Error()}, nil
	}

	return nil, &ResumeExportResponse{ExportID: query.ExportID, Resumed: true}, nil
}
