package input

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/pkg/extractor"
)

// noteExtensions are the file types read from a directory.
var noteExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".html": true,
	".htm":  true,
}

// DirReader yields one note per file under a directory, in lexical path
// order. The note id is the slash-separated path relative to the root,
// extension included, so visit.txt and visit.md stay distinct.
type DirReader struct {
	root  string
	files []string
	next  int
}

// NewDirReader lists the note files under root.
func NewDirReader(root string) (*DirReader, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if noteExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	return &DirReader{root: root, files: files}, nil
}

// Len returns the number of files found.
func (r *DirReader) Len() int { return len(r.files) }

// Next implements batch.Source. Files that sniff as binary are skipped.
func (r *DirReader) Next(ctx context.Context) (extractor.Note, error) {
	for r.next < len(r.files) {
		if err := ctx.Err(); err != nil {
			return extractor.Note{}, err
		}
		path := r.files[r.next]
		r.next++

		text, ok, err := readNoteFile(path)
		if err != nil {
			return extractor.Note{}, err
		}
		if !ok {
			logger.Warn("skipping non-text file", "path", path)
			continue
		}
		return extractor.Note{ID: noteID(r.root, path), Text: text}, nil
	}
	return extractor.Note{}, io.EOF
}

// Close implements io.Closer.
func (r *DirReader) Close() error { return nil }

func noteID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

// readNoteFile returns the note text of path. HTML is reduced to its
// visible text; ok is false for content that is not text at all.
func readNoteFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}

	mtype := mimetype.Detect(data)
	switch {
	case mtype.Is("text/html"):
		text, err := HTMLText(data)
		if err != nil {
			return "", false, fmt.Errorf("parsing %s: %w", path, err)
		}
		return text, true, nil
	case isText(mtype):
		return string(data), true, nil
	default:
		return "", false, nil
	}
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// HTMLText extracts the visible text of an HTML document, one block per
// line, dropping scripts and styles.
func HTMLText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for line := range strings.Lines(doc.Text()) {
		if fields := strings.Fields(line); len(fields) > 0 {
			lines = append(lines, strings.Join(fields, " "))
		}
	}
	return strings.Join(lines, "\n"), nil
}
