package distill

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ValidatePDF checks that data is a well-formed PDF and returns its page
// count. Browser print output passes through here before it is persisted,
// so a half-written or truncated document is caught at the source.
func ValidatePDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("distill: pdf validate: %w", err)
	}
	return ctx.PageCount, nil
}
