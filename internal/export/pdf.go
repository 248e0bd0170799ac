// Package export renders generated text into paginated PDF documents.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Page geometry in millimetres.
const (
	Margin     = 10.0
	TitleY     = 20.0
	LineHeight = 10.0
	FontSize   = 12.0
)

// Document is a titled block of text.
type Document struct {
	Title string
	Body  string
}

// FileName is the exported file name for the document.
func (d Document) FileName() string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		}
		return r
	}, strings.TrimSpace(d.Title))
	if name == "" {
		name = "document"
	}
	return name + ".pdf"
}

// placed is one line of body text positioned on a page.
type placed struct {
	page int
	y    float64
	text string
}

// paginate positions body lines below the title, starting a new page
// whenever the next line would cross the bottom edge.
func paginate(lines []string, pageHeight float64) []placed {
	out := make([]placed, 0, len(lines))
	page := 0
	cursor := TitleY + LineHeight
	for _, line := range lines {
		if cursor+LineHeight > pageHeight {
			page++
			cursor = Margin
		}
		out = append(out, placed{page: page, y: cursor, text: line})
		cursor += LineHeight
	}
	return out
}

// Write renders doc as an A4 PDF.
func Write(w io.Writer, doc Document) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Times", "", FontSize)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Core fonts are single-byte: translate to cp1252 first so every
	// character is one byte of the width table, then wrap the bytes.
	pageWidth, pageHeight := pdf.GetPageSize()
	var lines []string
	for _, l := range pdf.SplitLines([]byte(tr(doc.Body)), pageWidth-2*Margin) {
		lines = append(lines, string(l))
	}

	pdf.AddPage()
	pdf.Text(Margin, TitleY, tr(doc.Title))

	page := 0
	for _, l := range paginate(lines, pageHeight) {
		for page < l.page {
			pdf.AddPage()
			page++
		}
		pdf.Text(Margin, l.y, l.text)
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("failed to render %q: %w", doc.Title, err)
	}
	return pdf.Output(w)
}

// WriteFile renders doc into dir and returns the written path.
func WriteFile(dir string, doc Document) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(dir, doc.FileName())
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if err := Write(f, doc); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
