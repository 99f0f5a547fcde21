package processors

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

type PDFResult struct {
	Kind      string `json:"kind"`
	MIME      string `json:"mime"`
	Pages     int    `json:"pages"`
	SizeBytes int64  `json:"size_bytes"`
}

// InspectPDF validates the document and counts its pages.
func InspectPDF(ctx context.Context, path string) (*PDFResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}
	if !mt.Is("application/pdf") {
		return nil, fmt.Errorf("%s is %s, not a PDF", path, mt.String())
	}

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf %s: %w", path, err)
	}
	return &PDFResult{
		Kind:      "pdf",
		MIME:      mt.String(),
		Pages:     pages,
		SizeBytes: info.Size(),
	}, nil
}

func ProcessPDF(ctx context.Context, file jobs.FileEntry, _ *jobs.Job) (any, error) {
	return InspectPDF(ctx, file.Source)
}
