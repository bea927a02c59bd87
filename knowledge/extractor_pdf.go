package knowledge

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Compile-time interface checks.
var _ Extractor = PDFExtractor{}
var _ SectionExtractor = PDFExtractor{}

// PDFExtractor extracts page-wise text with "[Page N]" markers and page
// number metadata.
type PDFExtractor struct{}

func (e PDFExtractor) Extract(content []byte) (string, error) {
	result, err := e.ExtractWithMeta(content)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (e PDFExtractor) ExtractWithMeta(content []byte) (ExtractResult, error) {
	if len(content) == 0 {
		return ExtractResult{}, fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	var meta []SectionMeta
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		startByte := text.Len()
		fmt.Fprintf(&text, "[Page %d]\n%s", i, pageText)
		meta = append(meta, SectionMeta{
			PageNumber: i,
			StartByte:  startByte,
			EndByte:    text.Len(),
		})
	}
	return ExtractResult{
		Text: strings.TrimSpace(text.String()),
		Meta: meta,
	}, nil
}
