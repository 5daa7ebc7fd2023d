// Package resources exposes running and completed exports as MCP
// resources, mirroring the teacher's PDFResourceHandler: one handler,
// URI-templated, backed by the same orchestrator.Manager the tools use.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/orchestrator"
)

// ExportResourceHandler serves spacesync://<exportId>/status resources.
type ExportResourceHandler struct {
	manager   *orchestrator.Manager
	outputDir string
}

// NewExportResourceHandler builds a handler. outputDir is used only to
// locate a checkpoint for an export id this process did not itself
// start (e.g. after a restart); a live run never needs it.
func NewExportResourceHandler(manager *orchestrator.Manager, outputDir string) *ExportResourceHandler {
	return &ExportResourceHandler{manager: manager, outputDir: outputDir}
}

// ReadResource reads a specific resource by URI: spacesync://<exportId>/status.
func (h *ExportResourceHandler) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if !strings.HasPrefix(uri, "spacesync://") {
		return nil, fmt.Errorf("invalid URI scheme, expected spacesync://")
	}

	path := strings.TrimPrefix(uri, "spacesync://")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("invalid URI, missing export id")
	}
	exportID := parts[0]
	if len(parts) < 2 || parts[1] != "status" {
		return nil, fmt.Errorf("unknown resource path for export %s", exportID)
	}

	cfg := config.Default()
	cfg.ExportID = exportID
	cfg.OutputDir = h.outputDir

	st, err := h.manager.Status(exportID, cfg.CheckpointPath())
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(st.Snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export status: %w", err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
