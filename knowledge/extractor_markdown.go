package knowledge

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Compile-time interface checks.
var _ Extractor = MarkdownExtractor{}
var _ SectionExtractor = MarkdownExtractor{}

// MarkdownExtractor parses markdown with goldmark and emits plain text.
// Each #-prefixed heading opens a section recorded in the result meta,
// so chunks can later be tagged with the heading they fall under.
type MarkdownExtractor struct{}

func (e MarkdownExtractor) Extract(content []byte) (string, error) {
	result, err := e.ExtractWithMeta(content)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (e MarkdownExtractor) ExtractWithMeta(content []byte) (ExtractResult, error) {
	parser := goldmark.New().Parser()
	doc := parser.Parse(text.NewReader(content))

	var b strings.Builder
	var meta []SectionMeta
	var current *SectionMeta

	closeSection := func() {
		if current != nil {
			current.EndByte = b.Len()
			meta = append(meta, *current)
			current = nil
		}
	}
	appendBlock := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s)
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			heading := blockText(n, content)
			closeSection()
			start := b.Len()
			if b.Len() > 0 {
				start += 2
			}
			appendBlock(heading)
			current = &SectionMeta{Heading: heading, StartByte: start}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindTextBlock, ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindBlockquote:
			if n.Kind() == ast.KindBlockquote {
				// Quote content arrives via its inner paragraphs.
				return ast.WalkContinue, nil
			}
			appendBlock(blockText(n, content))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return ExtractResult{}, err
	}
	closeSection()

	return ExtractResult{Text: strings.TrimSpace(b.String()), Meta: meta}, nil
}

// blockText joins the raw source lines of one block node.
func blockText(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimSpace(sb.String())
}
