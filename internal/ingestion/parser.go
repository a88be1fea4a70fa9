// Package ingestion drives the document lifecycle: parsing, chunking,
// summarization, version detection, embedding, and indexing.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for file extensions with no registered parser.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrFileTooLarge is returned when an upload exceeds the configured size cap.
var ErrFileTooLarge = errors.New("file too large")

// ErrEmptyDocument is returned when parsing yields no usable content.
var ErrEmptyDocument = errors.New("document has no content")

// Section is one hierarchical unit of a parsed document.
type Section struct {
	Title       string
	Level       int
	Content     string
	PageNumbers []int
}

// Table is one extracted table, rendered as markdown.
type Table struct {
	Markdown    string
	Page        int
	SectionPath string
	Caption     string
}

// ParsedDocument is the parser collaborator's output contract.
type ParsedDocument struct {
	Title     string
	PageCount int
	Sections  []Section
	Tables    []Table
	RawText   string
	Metadata  map[string]string
}

// Parser converts one file format into the structured document contract.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParsedDocument, error)
}

// Registry dispatches parsing by file extension.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with the built-in parsers. Binary formats
// (PDF, DOCX, PPTX, XLSX) are registered by the caller when a parser for
// them is available.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	md := &MarkdownParser{}
	r.Register(".md", md)
	r.Register(".markdown", md)
	r.Register(".txt", &TextParser{})
	r.Register(".csv", &CSVParser{})
	return r
}

// Register installs a parser for an extension (with leading dot).
func (r *Registry) Register(ext string, p Parser) {
	r.parsers[strings.ToLower(ext)] = p
}

// Restrict drops every registered parser whose extension is not in exts,
// letting deployments narrow the accepted formats below the built-in set.
func (r *Registry) Restrict(exts []string) {
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimSpace(ext))] = true
	}
	for ext := range r.parsers {
		if !allowed[ext] {
			delete(r.parsers, ext)
		}
	}
}

// Supports reports whether a parser is registered for the filename's extension.
func (r *Registry) Supports(filename string) bool {
	_, ok := r.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Parse dispatches to the parser registered for the file's extension.
func (r *Registry) Parse(ctx context.Context, path string) (*ParsedDocument, error) {
	ext := strings.ToLower(filepath.Ext(path))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	doc, err := p.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if len(doc.Sections) == 0 && len(doc.Tables) == 0 && strings.TrimSpace(doc.RawText) == "" {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}
