// Package knowledge is the retrieval subsystem: document extraction,
// chunking, embedding, a file-backed flat vector index with per-document
// delete, an optional Postgres citation graph, and batch ingestion.
package knowledge

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	clubchat "github.com/aadya75/clubchat"
)

// Extractor converts raw document bytes to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ExtractResult holds extracted text and optional per-page/section
// metadata.
type ExtractResult struct {
	Text string
	Meta []SectionMeta
}

// SectionMeta marks the byte range of one page or heading section in
// the extracted text.
type SectionMeta struct {
	PageNumber int
	Heading    string
	StartByte  int
	EndByte    int
}

// SectionExtractor is an optional capability for extractors that
// produce structured sections alongside text.
type SectionExtractor interface {
	ExtractWithMeta(content []byte) (ExtractResult, error)
}

// ContentType identifies the MIME type of content for extraction.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeMarkdown  ContentType = "text/markdown"
	TypeHTML      ContentType = "text/html"
	TypeCSV       ContentType = "text/csv"
	TypeJSON      ContentType = "application/json"
	TypeDOCX      ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps file extensions to content types.
// Unknown extensions return "" and fail extraction with
// ParseError{unsupported}.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "txt", "text":
		return TypePlainText
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "csv":
		return TypeCSV
	case "json":
		return TypeJSON
	case "docx":
		return TypeDOCX
	case "pdf":
		return TypePDF
	default:
		return ""
	}
}

// Parser dispatches extraction by MIME type or filename extension.
type Parser struct {
	extractors map[ContentType]Extractor
}

// NewParser creates a parser with the built-in extractors registered.
func NewParser() *Parser {
	return &Parser{
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeMarkdown:  MarkdownExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypeCSV:       CSVExtractor{},
			TypeJSON:      JSONExtractor{},
			TypeDOCX:      DOCXExtractor{},
			TypePDF:       PDFExtractor{},
		},
	}
}

// Parse extracts text from content using the extractor for its type.
// Unknown types fail with ParseError{unsupported}; extractor failures
// with ParseError{corrupt}. Panicking extractors are recovered.
func (p *Parser) Parse(content []byte, filename string) (ExtractResult, error) {
	ct := ContentTypeFromExtension(filepath.Ext(filename))
	if ct == "" {
		return ExtractResult{}, &clubchat.ParseError{
			Kind:   clubchat.KindUnsupported,
			Source: filename,
			Msg:    "no extractor for extension " + filepath.Ext(filename),
		}
	}
	extractor := p.extractors[ct]

	if se, ok := extractor.(SectionExtractor); ok {
		result, err := safeExtractWithMeta(se, content)
		if err != nil {
			return ExtractResult{}, &clubchat.ParseError{Kind: clubchat.KindCorrupt, Source: filename, Msg: err.Error()}
		}
		return result, nil
	}
	text, err := safeExtract(extractor, content)
	if err != nil {
		return ExtractResult{}, &clubchat.ParseError{Kind: clubchat.KindCorrupt, Source: filename, Msg: err.Error()}
	}
	return ExtractResult{Text: text}, nil
}

// safeExtract calls e.Extract, recovering any panic into an error.
func safeExtract(e Extractor, content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panicked: %v", r)
		}
	}()
	return e.Extract(content)
}

// safeExtractWithMeta calls se.ExtractWithMeta, recovering any panic
// into an error.
func safeExtractWithMeta(se SectionExtractor, content []byte) (result ExtractResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panicked: %v", r)
		}
	}()
	return se.ExtractWithMeta(content)
}

// --- Built-in extractors ---

// PlainTextExtractor returns content as-is.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

// CSVExtractor renders each row as one line of comma-separated
// "Header: Value" pairs, rows separated by blank lines. The first row
// is treated as headers.
type CSVExtractor struct{}

var _ Extractor = CSVExtractor{}

func (CSVExtractor) Extract(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(content)) == 0 {
		return "", nil
	}
	r := csv.NewReader(bytes.NewReader(content))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	headers, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return "", nil
		}
		return "", fmt.Errorf("read headers: %w", err)
	}
	var paragraphs []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read row: %w", err)
		}
		var fields []string
		for i, val := range record {
			if i >= len(headers) {
				break
			}
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			fields = append(fields, fmt.Sprintf("%s: %s", headers[i], val))
		}
		if len(fields) > 0 {
			paragraphs = append(paragraphs, strings.Join(fields, ", "))
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

// JSONExtractor recursively flattens arbitrary JSON into "key: value"
// lines.
type JSONExtractor struct{}

var _ Extractor = JSONExtractor{}

// maxJSONDepth limits recursion in flatten to prevent stack overflow
// from deeply nested input.
const maxJSONDepth = 100

func (JSONExtractor) Extract(content []byte) (string, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return "", nil
	}
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	var lines []string
	flattenJSON("", data, &lines, 0)
	return strings.Join(lines, "\n"), nil
}

func flattenJSON(prefix string, v any, lines *[]string, depth int) {
	if depth >= maxJSONDepth {
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, label+": <truncated>")
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenJSON(key, child, lines, depth+1)
		}
	case []any:
		if allPrimitive(val) {
			strs := make([]string, len(val))
			for i, item := range val {
				strs[i] = formatJSONValue(item)
			}
			*lines = append(*lines, fmt.Sprintf("%s: %s", prefix, strings.Join(strs, ", ")))
		} else {
			for _, item := range val {
				flattenJSON(prefix, item, lines, depth+1)
			}
		}
	case nil:
		// skip null values
	default:
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, fmt.Sprintf("%s: %s", label, formatJSONValue(val)))
	}
}

func allPrimitive(arr []any) bool {
	for _, v := range arr {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func formatJSONValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
