package knowledge

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// Compile-time interface check.
var _ Extractor = HTMLExtractor{}

// localBase resolves relative links in ingested pages; the documents
// come from disk, so any stable base works.
var localBase = &url.URL{Scheme: "file", Path: "/"}

// HTMLExtractor extracts the readable article text from an HTML page.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(content), localBase)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}
