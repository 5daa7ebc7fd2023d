package attachments

import "testing"

func TestIsPDFMatchesExactContentType(t *testing.T) {
	if !IsPDF("application/pdf") {
		t.Fatal("expected application/pdf to match")
	}
	if IsPDF("image/png") {
		t.Fatal("expected image/png not to match")
	}
}

func TestInspectRejectsNonPDFData(t *testing.T) {
	_, err := Inspect([]byte("not a pdf"))
	if err == nil {
		t.Fatal("expected an error for non-PDF data")
	}
}
