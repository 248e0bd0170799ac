package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPaginate(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "line"
	}

	// A4 is 297mm tall: the title page fits lines at 30..280
	got := paginate(lines, 297)

	if got[0].page != 0 || got[0].y != 30 {
		t.Fatalf("first line must sit one line below the title, got %+v", got[0])
	}
	if got[25].page != 0 || got[25].y != 280 {
		t.Fatalf("expected last line on first page at 280, got %+v", got[25])
	}
	if got[26].page != 1 || got[26].y != Margin {
		t.Fatalf("expected page break reset to the margin, got %+v", got[26])
	}
	if got[29].page != 1 || got[29].y != Margin+3*LineHeight {
		t.Fatalf("unexpected cursor %v", got[29].y)
	}
}

func TestPaginateEmpty(t *testing.T) {
	if got := paginate(nil, 297); len(got) != 0 {
		t.Fatalf("expected nothing, got %v", got)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Key Points", "Key Points.pdf"},
		{"a/b", "a-b.pdf"},
		{"  ", "document.pdf"},
	}
	for _, tt := range tests {
		if got := (Document{Title: tt.title}).FileName(); got != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.title, tt.want, got)
		}
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	body := strings.Repeat("Ação item for the next meeting. ", 200)
	if err := Write(&buf, Document{Title: "Agenda", Body: body}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Fatal("output is not a PDF")
	}
}

func TestWriteNonLatinText(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"accents", Document{Title: "Key Points", Body: "Reunião: próximos passos"}},
		{"cp1252 punctuation", Document{Title: "Agenda — Q3", Body: "Budget — “final” review… €120"}},
		{"outside cp1252", Document{Title: "To-do List", Body: "→ 会议 ✓ done\nsecond line"}},
		{"long unbroken word", Document{Title: "Summary", Body: strings.Repeat("é", 500)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, tt.doc); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
				t.Fatal("output is not a PDF")
			}
		})
	}
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")

	path, err := WriteFile(dir, Document{Title: "To-do List", Body: "1. ship it"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if filepath.Base(path) != "To-do List.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("expected a non-empty file, err=%v", err)
	}
}
