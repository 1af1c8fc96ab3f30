package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onePagePDF builds a single page PDF that shows text in Helvetica.
func onePagePDF(text string) []byte {
	stream := "BT /F1 12 Tf 72 712 Td (" + text + ") Tj ET"
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}

func TestPDFText(t *testing.T) {
	text, err := pdfText(onePagePDF("Cats purr softly"))
	require.NoError(t, err)
	assert.Contains(t, text, "Cats purr softly")
}

func TestPDFTextRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("%PDF-1.4\nnot really"), []byte("plain text")} {
		_, err := pdfText(data)
		assert.ErrorIs(t, err, ErrInvalidPDF)
	}
}

func TestExtractTextChecksUTF8(t *testing.T) {
	text, err := extractText("a.md", []byte("# hi"))
	require.NoError(t, err)
	assert.Equal(t, "# hi", text)

	_, err = extractText("a.txt", []byte("ok \xff"))
	assert.Error(t, err)
}

func TestIngestPDFDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16, Config{})
	data := onePagePDF("Cats purr softly")
	path := filepath.Join(f.dir, "Report.PDF")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out := f.pipeline.IngestDocument(ctx, path, nil)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, 1, out.ChunksCreated)
	assert.Equal(t, int64(len(data)), out.FileSize)

	entries := f.index.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "Cats purr softly")
	assert.Equal(t, ".pdf", entries[0].Metadata[MetaFileType])

	docs, err := f.catalog.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(len(data)), docs[0].FileSize)

	bad := f.pipeline.IngestDocument(ctx, f.write(t, "broken.pdf", "%PDF-1.4 truncated"), nil)
	assert.False(t, bad.Success)
	assert.Contains(t, bad.Error, "invalid pdf")
}

func TestIngestTextAcceptsPDFUpload(t *testing.T) {
	f := newFixture(t, 16, Config{})
	out := f.pipeline.IngestText(context.Background(), "scan.pdf", string(onePagePDF("Dogs fetch sticks")), nil)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, 1, out.ChunksCreated)
	assert.Contains(t, f.index.Entries()[0].Content, "Dogs fetch sticks")
}
