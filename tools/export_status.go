package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
)

type ExportStatusQuery struct {
	ExportID  string `json:"export_id"`
	OutputDir string `json:"output_dir"`
}

type SectionStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type ExportStatusResponse struct {
	ExportID          string          `json:"export_id"`
	Running           bool            `json:"running"`
	ProcessedCount    int             `json:"processed_count"`
	TotalEstimate     int             `json:"total_estimate"`
	CurrentSection    string          `json:"current_section"`
	CompletedSections []string        `json:"completed_sections"`
	Sections          []SectionStatus `json:"sections,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func ExportStatusTool() *mcp.Tool {
	inputschema, err := jsonschema.For[ExportStatusQuery](nil)
	if err != nil {
		panic(err)
	}
	return &mcp.Tool{
		Name:        "export-status",
		Description: "Report the progress of a running or previously run export: processed count, current section, completed sections, and per-section state.",
		InputSchema: inputschema,
	}
}

func ExportStatusToolHandler(ctx context.Context, req *mcp.CallToolRequest, query ExportStatusQuery, manager *orchestrator.Manager, log logger.Logger) (*mcp.CallToolResult, *ExportStatusResponse, error) {
	log.Info("export-status tool called for %s", query.ExportID)

	cfg := config.Default()
	cfg.ExportID = query.ExportID
	cfg.OutputDir = query.OutputDir

	st, err := manager.Status(query.ExportID, cfg.CheckpointPath())
	if err != nil {
		return nil, &ExportStatusResponse{ExportID: query.ExportID, Error: err.Error()}, nil
	}

	resp := &ExportStatusResponse{
		ExportID:          query.ExportID,
		Running:           st.Running,
		ProcessedCount:    st.Snapshot.ProcessedCount,
		TotalEstimate:     st.Snapshot.TotalEstimate,
		CurrentSection:    st.Snapshot.CurrentSection,
		CompletedSections: st.Snapshot.CompletedSections,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	for _, s := range st.Sections {
		resp.Sections = append(resp.Sections, SectionStatus{Name: s.Name, State: string(s.State)})
	}
	return nil, resp, nil
}
