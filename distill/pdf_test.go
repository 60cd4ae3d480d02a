package distill

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidatePDF(t *testing.T) {
	// WHAT: a well-formed single-page PDF validates and reports one page.
	// WHY: print output is persisted only after passing this check.
	pages, err := ValidatePDF(buildTextPDF("Snapshot of example.com"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if pages != 1 {
		t.Fatalf("pages: got %d, want 1", pages)
	}
}

func TestValidatePDF_Garbage(t *testing.T) {
	if _, err := ValidatePDF([]byte("<html>not a pdf</html>")); err == nil {
		t.Fatal("expected error for non-PDF bytes")
	}
}

func TestValidatePDF_Truncated(t *testing.T) {
	full := buildTextPDF("will be cut")
	if _, err := ValidatePDF(full[:len(full)/2]); err == nil {
		t.Fatal("expected error for truncated PDF")
	}
}

// buildTextPDF creates a minimal valid PDF with correct xref offsets.
func buildTextPDF(text string) []byte {
	escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 6)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")

	offsets[4] = b.Len()
	fmt.Fprintf(&b, "4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream)

	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefOffset := b.Len()
	b.WriteString("xref\n0 6\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	return []byte(b.String())
}
