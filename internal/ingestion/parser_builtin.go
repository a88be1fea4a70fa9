package ingestion

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// charsPerPage approximates page breaks for formats that have none.
const charsPerPage = 3000

// MarkdownParser parses markdown files into heading-delimited sections.
type MarkdownParser struct{}

// Parse splits the file at ATX headings; heading depth becomes section level.
func (p *MarkdownParser) Parse(_ context.Context, path string) (*ParsedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	text := string(data)

	doc := &ParsedDocument{
		Title:     titleFromFilename(path),
		PageCount: estimatePages(len(text)),
		RawText:   text,
		Metadata:  map[string]string{"format": "markdown"},
	}

	var current *Section
	offset := 0
	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(current.Content)
			doc.Sections = append(doc.Sections, *current)
			current = nil
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		if level, title, ok := parseHeading(trimmed); ok {
			flush()
			current = &Section{
				Title:       title,
				Level:       level,
				PageNumbers: []int{offset/charsPerPage + 1},
			}
			if doc.Title == titleFromFilename(path) && level == 1 {
				doc.Title = title
			}
		} else if current != nil {
			current.Content += line
			page := offset/charsPerPage + 1
			if n := len(current.PageNumbers); n == 0 || current.PageNumbers[n-1] != page {
				current.PageNumbers = append(current.PageNumbers, page)
			}
		}
		offset += len(line)
	}
	flush()

	return doc, nil
}

func parseHeading(line string) (level int, title string, ok bool) {
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i > 6 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, strings.TrimSpace(line[i:]), true
}

// TextParser treats the whole file as raw text; the chunker falls back to
// paragraph packing.
type TextParser struct{}

// Parse reads the file as unstructured text.
func (p *TextParser) Parse(_ context.Context, path string) (*ParsedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	text := string(data)

	title := titleFromFilename(path)
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			if len(t) > 80 {
				t = t[:80]
			}
			title = t
			break
		}
	}

	return &ParsedDocument{
		Title:     title,
		PageCount: estimatePages(len(text)),
		RawText:   text,
		Metadata:  map[string]string{"format": "text"},
	}, nil
}

// CSVParser renders the file as one markdown table.
type CSVParser struct{}

// Parse reads all records and renders a markdown table.
func (p *CSVParser) Parse(_ context.Context, path string) (*ParsedDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyDocument
	}

	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	writeRow(records[0])
	sep := make([]string, len(records[0]))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range records[1:] {
		writeRow(row)
	}

	title := titleFromFilename(path)
	return &ParsedDocument{
		Title:     title,
		PageCount: 1,
		Tables: []Table{{
			Markdown:    b.String(),
			Page:        1,
			SectionPath: title,
			Caption:     title,
		}},
		Metadata: map[string]string{"format": "csv"},
	}, nil
}

func titleFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func estimatePages(chars int) int {
	pages := chars/charsPerPage + 1
	return pages
}

var (
	_ Parser = (*MarkdownParser)(nil)
	_ Parser = (*TextParser)(nil)
	_ Parser = (*CSVParser)(nil)
)
