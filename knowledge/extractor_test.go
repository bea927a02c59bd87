package knowledge

import (
	"errors"
	"strings"
	"testing"

	clubchat "github.com/aadya75/clubchat"
)

func TestParserUnsupportedExtension(t *testing.T) {
	p := NewParser()
	_, err := p.Parse([]byte("binary"), "firmware.bin")
	var perr *clubchat.ParseError
	if !errors.As(err, &perr) || perr.Kind != clubchat.KindUnsupported {
		t.Fatalf("err = %v", err)
	}
}

func TestParserPlainText(t *testing.T) {
	p := NewParser()
	got, err := p.Parse([]byte("hello world"), "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello world" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestMarkdownExtractorSections(t *testing.T) {
	md := []byte(`# Events

RoboSprint runs in March.

## Coordinators

Alice leads the event.

Plain closing paragraph.`)

	result, err := MarkdownExtractor{}.ExtractWithMeta(md)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Text, "RoboSprint runs in March.") {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.Meta) != 2 {
		t.Fatalf("sections = %+v", result.Meta)
	}
	if result.Meta[0].Heading != "Events" || result.Meta[1].Heading != "Coordinators" {
		t.Errorf("headings = %q, %q", result.Meta[0].Heading, result.Meta[1].Heading)
	}
	if result.Meta[0].EndByte <= result.Meta[0].StartByte {
		t.Errorf("section 0 byte range = %d..%d", result.Meta[0].StartByte, result.Meta[0].EndByte)
	}
}

func TestCSVExtractorKeyValueLines(t *testing.T) {
	csv := []byte("name,role\nAlice,coordinator\nBob,member\n")
	got, err := CSVExtractor{}.Extract(csv)
	if err != nil {
		t.Fatal(err)
	}
	want := "name: Alice, role: coordinator\n\nname: Bob, role: member"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCSVExtractorEmpty(t *testing.T) {
	got, err := CSVExtractor{}.Extract([]byte("  \n"))
	if err != nil || got != "" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestJSONExtractorFlattens(t *testing.T) {
	data := []byte(`{"event": {"name": "RoboSprint", "year": 2025}, "tags": ["robots", "race"]}`)
	got, err := JSONExtractor{}.Extract(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"event.name: RoboSprint", "event.year: 2025", "tags: robots, race"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestJSONExtractorCorrupt(t *testing.T) {
	p := NewParser()
	_, err := p.Parse([]byte("{broken"), "data.json")
	var perr *clubchat.ParseError
	if !errors.As(err, &perr) || perr.Kind != clubchat.KindCorrupt {
		t.Fatalf("err = %v", err)
	}
}

func TestPDFExtractorRejectsGarbage(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse([]byte("not a pdf"), "paper.pdf"); err == nil {
		t.Fatal("garbage pdf accepted")
	}
}

func TestContentTypeFromExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want ContentType
	}{
		{".md", TypeMarkdown},
		{"markdown", TypeMarkdown},
		{".PDF", TypePDF},
		{"docx", TypeDOCX},
		{".htm", TypeHTML},
		{"csv", TypeCSV},
		{".json", TypeJSON},
		{"txt", TypePlainText},
		{"exe", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ContentTypeFromExtension(tt.ext); got != tt.want {
			t.Errorf("ContentTypeFromExtension(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}
