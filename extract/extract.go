// Package extract converts gazette PDFs to plain text with page boundaries.
//
// The extractor is page-aware: the returned Result carries the starting
// byte offset of every page inside FullText, so downstream matching can
// resolve a hit offset back to a page number.
package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoText is returned when a PDF parses but contains no extractable text
// (scanned image-only documents, for instance).
var ErrNoText = errors.New("extract: no text content found in PDF")

// Result is the extracted text of one document.
type Result struct {
	FullText    string
	PageCount   int
	PageOffsets []int // starting byte offset of each page within FullText
}

// PDF extracts text from a PDF read from rs.
func PDF(rs io.ReadSeeker) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return nil, fmt.Errorf("extract: pdfcpu read: %w", err)
	}

	pages := make([]string, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pages = append(pages, extractPageText(ctx, pageNr))
	}
	return assemble(pages)
}

// assemble joins per-page texts into a Result, recording each page's start
// offset. Empty pages keep their slot so page numbering stays correct.
func assemble(pages []string) (*Result, error) {
	var sb strings.Builder
	offsets := make([]int, 0, len(pages))
	hasText := false

	for _, pageText := range pages {
		offsets = append(offsets, sb.Len())
		if pageText != "" {
			hasText = true
			sb.WriteString(pageText)
		}
		sb.WriteByte('\n')
	}

	if !hasText {
		return nil, ErrNoText
	}
	return &Result{
		FullText:    sb.String(),
		PageCount:   len(pages),
		PageOffsets: offsets,
	}, nil
}

// extractPageText extracts text from a single PDF page via pdfcpu's content
// stream. Pages that fail to parse yield empty text rather than an error —
// one broken page must not sink the document.
func extractPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}
