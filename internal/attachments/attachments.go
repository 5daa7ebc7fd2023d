// Package attachments inspects file-reference property values
// encountered while exporting the Properties section: when a
// property's value is a file reference whose content-type is
// application/pdf, it extracts page count so the properties sink can
// record it without downloading (and re-parsing) the whole file twice.
package attachments

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFProperties is the subset of a PDF's structure worth recording
// alongside an exported property value.
type PDFProperties struct {
	PageCount int
}

// IsPDF reports whether contentType names a PDF attachment.
func IsPDF(contentType string) bool {
	return contentType == "application/pdf"
}

// Inspect reads a PDF's page count without writing anything to disk.
// It validates and optimizes the document the same way a full split
// would, but stops short of extracting any page content.
func Inspect(data []byte) (PDFProperties, error) {
	conf := model.NewDefaultConfiguration()
	pdfContext, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return PDFProperties{}, fmt.Errorf("inspect pdf attachment: %w", err)
	}
	return PDFProperties{PageCount: pdfContext.PageCount}, nil
}
