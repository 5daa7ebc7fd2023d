// Package transform supplies the default per-item transform the
// worker pool runs under a concurrency slot: it turns an opaque
// ExportItem payload into the record a Sink writes, folding in PDF
// attachment inspection for the properties section.
package transform

import (
	"context"
	"fmt"

	"github.com/relaydocs/spacesync/internal/attachments"
	"github.com/relaydocs/spacesync/internal/pipeline"
	"github.com/relaydocs/spacesync/models"
)

// Default returns the pipeline.Transform for section. Every field of a
// map-shaped Payload passes through unchanged; a properties-section
// item whose payload names a PDF attachment gets its page count
// inspected and folded into the record.
func Default(section string) pipeline.Transform {
	return func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
		record := map[string]any{"id": item.ID}
		if payload, ok := item.Payload.(map[string]any); ok {
			for k, v := range payload {
				record[k] = v
			}
		}

		if section == "properties" {
			if err := inspectAttachment(record); err != nil {
				return nil, fmt.Errorf("inspect attachment for %s: %w", item.ID, err)
			}
		}

		return record, nil
	}
}

// inspectAttachment fills in pdf_page_count when a properties record
// carries a PDF-typed file value. Any other content type is left
// untouched; a missing or empty data field is not an error, since most
// property values are not file attachments at all.
func inspectAttachment(record map[string]any) error {
	contentType, _ := record["content_type"].(string)
	if !attachments.IsPDF(contentType) {
		return nil
	}
	data, _ := record["data"].([]byte)
	if len(data) == 0 {
		return nil
	}
	props, err := attachments.Inspect(data)
	if err != nil {
		return err
	}
	record["pdf_page_count"] = props.PageCount
	return nil
}
