package knowledge

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// Compile-time interface check.
var _ Extractor = DOCXExtractor{}

// DOCXExtractor extracts paragraph text from Word documents.
type DOCXExtractor struct{}

var (
	docxParagraphEnd = regexp.MustCompile(`</w:p>`)
	docxTextRun      = regexp.MustCompile(`<w:t[^>]*>(.*?)</w:t>`)
)

func (DOCXExtractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty docx content")
	}
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	raw := doc.Editable().GetContent()

	var paragraphs []string
	for _, para := range docxParagraphEnd.Split(raw, -1) {
		var runs []string
		for _, m := range docxTextRun.FindAllStringSubmatch(para, -1) {
			runs = append(runs, html.UnescapeString(m[1]))
		}
		text := strings.TrimSpace(strings.Join(runs, ""))
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}
