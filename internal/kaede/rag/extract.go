package rag

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedAttachment rejects attachment types no extractor can read.
// Ingesting raw bytes of an unknown format would fill the index with noise
// that matches nothing and pollutes every retrieval.
var ErrUnsupportedAttachment = errors.New("rag: unsupported attachment type")

// Section is one indexable unit extracted from an attachment. Plain files
// yield a single unnamed section; workbooks yield one section per sheet so
// each sheet becomes its own document.
type Section struct {
	Name string
	Text string
}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".py":   true,
	".go":   true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".log":  true,
}

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SupportedAttachment reports whether ExtractSections can handle a file
// with the given name and MIME type. Callers gate ingestion on it before
// committing to a download.
func SupportedAttachment(name, mimeType string) bool {
	return isWorkbook(name, mimeType) || isText(name, mimeType)
}

func isText(name, mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	return textExtensions[strings.ToLower(path.Ext(name))]
}

func isWorkbook(name, mimeType string) bool {
	if mimeType == xlsxMimeType {
		return true
	}
	return strings.ToLower(path.Ext(name)) == ".xlsx"
}

// ExtractSections converts an attachment's raw bytes into indexable text.
func ExtractSections(name, mimeType string, raw []byte) ([]Section, error) {
	switch {
	case isWorkbook(name, mimeType):
		return extractWorkbook(raw)
	case isText(name, mimeType):
		return []Section{{Text: string(raw)}}, nil
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupportedAttachment)
	}
}

// extractWorkbook flattens each sheet to tab-separated rows. Empty rows
// and empty sheets are skipped.
func extractWorkbook(raw []byte) ([]Section, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("rag: open workbook: %w", err)
	}
	defer wb.Close()

	var sections []Section
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("rag: read sheet %q: %w", sheet, err)
		}
		var b strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if b.Len() == 0 {
			continue
		}
		sections = append(sections, Section{Name: sheet, Text: b.String()})
	}
	if len(sections) == 0 {
		return nil, errors.New("rag: workbook has no cell data")
	}
	return sections, nil
}
