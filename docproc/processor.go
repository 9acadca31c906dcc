// Package docproc extracts plain text from documents and splits it into
// overlapping chunks for indexing.
package docproc

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnsupportedFormat is returned for file extensions the processor cannot read
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Result is the outcome of processing one file
type Result struct {
	Success  bool
	Content  string
	FileType string
	Error    string
	Metadata map[string]any
}

// Processor turns a file into text
type Processor interface {
	Process(path string) Result
}

// FileProcessor reads text, markdown, CSV and JSON files from disk
type FileProcessor struct {
	maxFileSize int64
}

// FileProcessorOption configures a FileProcessor
type FileProcessorOption func(*FileProcessor)

// WithMaxFileSize rejects files larger than n bytes. Zero means no limit.
func WithMaxFileSize(n int64) FileProcessorOption {
	return func(p *FileProcessor) {
		p.maxFileSize = n
	}
}

// NewFileProcessor creates a processor for local files
func NewFileProcessor(options ...FileProcessorOption) *FileProcessor {
	p := &FileProcessor{maxFileSize: 50 << 20}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Process extracts the text content of path. Failures are reported in the
// result rather than returned.
func (p *FileProcessor) Process(path string) Result {
	content, fileType, metadata, err := p.process(path)
	if err != nil {
		return Result{Success: false, Error: err.Error(), FileType: fileType}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Result{
		Success:  true,
		Content:  strings.TrimSpace(content),
		FileType: fileType,
		Metadata: metadata,
	}
}

func (p *FileProcessor) process(path string) (string, string, map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var fileType string
	switch ext {
	case ".txt":
		fileType = "text"
	case ".md", ".markdown":
		fileType = "markdown"
	case ".csv":
		fileType = "csv"
	case ".json":
		fileType = "json"
	default:
		return "", "", nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fileType, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if p.maxFileSize > 0 {
		info, err := f.Stat()
		if err != nil {
			return "", fileType, nil, err
		}
		if info.Size() > p.maxFileSize {
			return "", fileType, nil, fmt.Errorf("file exceeds %d bytes", p.maxFileSize)
		}
	}

	switch fileType {
	case "csv":
		content, metadata, err := readCSV(r)
		return content, fileType, metadata, err
	case "json":
		content, err := readJSON(r)
		return content, fileType, nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fileType, nil, err
	}
	if fileType == "markdown" {
		return StripMarkdown(string(data)), fileType, nil, nil
	}
	return string(data), fileType, nil, nil
}

func readCSV(r io.Reader) (string, map[string]any, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return "", map[string]any{"rows": 0}, nil
	}

	header := records[0]
	var b strings.Builder
	b.WriteString(strings.Join(header, " | "))
	for _, row := range records[1:] {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, " | "))
	}

	columns := make([]any, 0, len(header))
	for _, h := range header {
		columns = append(columns, h)
	}
	return b.String(), map[string]any{"rows": len(records) - 1, "columns": columns}, nil
}

func readJSON(r io.Reader) (string, error) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return "", fmt.Errorf("failed to read json: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var (
	mdFence    = regexp.MustCompile("(?m)^```.*$")
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdQuote    = regexp.MustCompile(`(?m)^\s{0,3}>\s?`)
	mdBullet   = regexp.MustCompile(`(?m)^(\s*)(?:[-*+]|\d+\.)\s+`)
	mdRule     = regexp.MustCompile(`(?m)^\s{0,3}(?:[-*_]\s*){3,}$`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__|\*|_|~~)([^*_~\n]+)(\*\*|__|\*|_|~~)`)
	mdCode     = regexp.MustCompile("`([^`]*)`")
	mdHTML     = regexp.MustCompile(`<[^>]+>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// StripMarkdown removes markdown markup and keeps the readable text
func StripMarkdown(s string) string {
	s = mdFence.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$2")
	s = mdCode.ReplaceAllString(s, "$1")
	s = mdHTML.ReplaceAllString(s, "")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
