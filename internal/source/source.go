// Package source loads the documents the engine works on: segmented chunk
// files, plain text, and HTML pages reduced to their readable text.
package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/qapintel/internal/ingest"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

// chunkFile is the object form of a segmented chunk file.
type chunkFile struct {
	DocumentID string            `json:"document_id"`
	Chunks     []ingest.RawChunk `json:"chunks"`
}

// LoadChunks reads a segmented chunk file. The file holds either a JSON array
// of chunks or an object with a "chunks" array.
func LoadChunks(path string) ([]ingest.RawChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return ParseChunks(data)
}

// ParseChunks decodes chunk JSON. Chunks without an id get one from their
// position.
func ParseChunks(data []byte) ([]ingest.RawChunk, error) {
	data = bytes.TrimSpace(data)
	var chunks []ingest.RawChunk
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &chunks); err != nil {
			return nil, fmt.Errorf("parsing chunk array: %w", err)
		}
	} else {
		var f chunkFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing chunk file: %w", err)
		}
		chunks = f.Chunks
	}
	for i := range chunks {
		if chunks[i].ChunkID == "" {
			chunks[i].ChunkID = fmt.Sprintf("chunk-%04d", i+1)
		}
	}
	return chunks, nil
}

// ExtractHTML returns the readable text of an HTML page.
func ExtractHTML(r io.Reader, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(r, pageURL)
	if err != nil {
		return "", fmt.Errorf("extracting readable text: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// LoadText reads a document as text. HTML files go through readability.
func LoadText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		abs, _ := filepath.Abs(path)
		return ExtractHTML(f, &url.URL{Scheme: "file", Path: abs})
	default:
		b, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(b), nil
	}
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// Paragraphs splits text on blank lines and drops empty blocks.
func Paragraphs(text string) []string {
	var out []string
	for _, p := range blankLines.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDocument reads a file for universe mapping. Chunk files become one
// section per chunk; text and HTML become one section per paragraph.
func LoadDocument(path, jurisdiction string) (universe.Document, error) {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	doc := universe.Document{ID: id, Jurisdiction: jurisdiction}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		chunks, err := LoadChunks(path)
		if err != nil {
			return doc, err
		}
		for _, c := range chunks {
			doc.Sections = append(doc.Sections, universe.Section{ID: c.ChunkID, Text: c.Content})
		}
		return doc, nil
	}

	text, err := LoadText(path)
	if err != nil {
		return doc, err
	}
	for i, p := range Paragraphs(text) {
		doc.Sections = append(doc.Sections, universe.Section{ID: fmt.Sprintf("p%d", i+1), Text: p})
	}
	return doc, nil
}

// SplitChunks packs paragraphs into chunks of at most maxChars characters.
// A paragraph longer than maxChars becomes its own chunk.
func SplitChunks(docID, title, text string, maxChars int) []ingest.RawChunk {
	if maxChars <= 0 {
		maxChars = 2000
	}
	var (
		out []ingest.RawChunk
		buf strings.Builder
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		out = append(out, ingest.RawChunk{
			ChunkID:        fmt.Sprintf("%s-%03d", docID, len(out)+1),
			Content:        buf.String(),
			SectionTitle:   title,
			HierarchyLevel: 1,
			Breadcrumb:     []string{title},
		})
		buf.Reset()
	}
	for _, p := range Paragraphs(text) {
		if buf.Len() > 0 && buf.Len()+len(p)+2 > maxChars {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return out
}
