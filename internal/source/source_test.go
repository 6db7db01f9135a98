package source

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseChunksArrayAndObject(t *testing.T) {
	chunks, err := ParseChunks([]byte(`[{"chunk_id":"a","content":"x","breadcrumb":["Part I"]},{"content":"y"}]`))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].ChunkID)
	assert.Equal(t, []string{"Part I"}, chunks[0].Breadcrumb)
	assert.Equal(t, "chunk-0002", chunks[1].ChunkID)

	chunks, err = ParseChunks([]byte(`{"document_id":"fl","chunks":[{"chunk_id":"b","content":"z","page_number":4}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 4, chunks[0].PageNumber)

	_, err = ParseChunks([]byte(`{not json`))
	assert.Error(t, err)
}

func TestLoadDocumentFromText(t *testing.T) {
	path := writeFile(t, "fl-qap.txt", "Part I\n\nSee Section 42 of the Code.\r\n\r\nRule Chapter 67-21, F.A.C.\n")
	doc, err := LoadDocument(path, "FL")
	require.NoError(t, err)
	assert.Equal(t, "fl-qap", doc.ID)
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "p2", doc.Sections[1].ID)
	assert.Equal(t, "See Section 42 of the Code.", doc.Sections[1].Text)
}

func TestLoadDocumentFromChunks(t *testing.T) {
	path := writeFile(t, "chunks.json", `[{"chunk_id":"s1","content":"alpha"},{"chunk_id":"s2","content":"beta"}]`)
	doc, err := LoadDocument(path, "FL")
	require.NoError(t, err)
	require.Len(t, doc.Sections, 2)
	assert.Equal(t, "s2", doc.Sections[1].ID)
}

func TestExtractHTML(t *testing.T) {
	page := `<html><head><title>Rule 67-21</title></head><body>
<nav>Home | Rules</nav>
<article><h1>Rule Chapter 67-21</h1>
<p>` + strings.Repeat("The Corporation shall monitor compliance of each development with Section 42 of the Internal Revenue Code. ", 5) + `</p>
<p>` + strings.Repeat("Set-aside units must remain affordable for the full compliance period. ", 5) + `</p>
</article></body></html>`
	u, _ := url.Parse("https://www.flrules.org/gateway/ChapterHome.asp?Chapter=67-21")

	text, err := ExtractHTML(strings.NewReader(page), u)
	require.NoError(t, err)
	assert.Contains(t, text, "Section 42 of the Internal Revenue Code")
	assert.NotContains(t, text, "<p>")
}

func TestSplitChunks(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + "\n\n" + strings.Repeat("c", 80)
	chunks := SplitChunks("irc-42", "26 U.S.C. 42", text, 70)
	require.Len(t, chunks, 2)
	assert.Equal(t, "irc-42-001", chunks[0].ChunkID)
	assert.Equal(t, strings.Repeat("a", 30)+"\n\n"+strings.Repeat("b", 30), chunks[0].Content)
	assert.Equal(t, strings.Repeat("c", 80), chunks[1].Content)
	assert.Equal(t, []string{"26 U.S.C. 42"}, chunks[1].Breadcrumb)

	assert.Empty(t, SplitChunks("x", "t", "  \n\n ", 10))
}
