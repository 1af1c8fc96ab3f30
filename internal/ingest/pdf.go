package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrInvalidPDF is returned when a .pdf document cannot be parsed.
var ErrInvalidPDF = errors.New("invalid pdf")

// extractText returns the indexable text of a document. PDFs are parsed
// page by page; everything else must already be UTF-8 text.
func extractText(name string, data []byte) (string, error) {
	if strings.EqualFold(extOf(name), ".pdf") {
		return pdfText(data)
	}
	if !utf8.Valid(data) {
		return "", errors.New("document is not valid UTF-8")
	}
	return string(data), nil
}

// pdfText joins the plain text of every readable page with blank lines.
// Pages that fail to decode are skipped.
func pdfText(data []byte) (text string, err error) {
	// the parser panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPDF, err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pt, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pt = strings.TrimSpace(pt)
		if pt == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pt)
	}
	out := b.String()
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "")
	}
	return out, nil
}
