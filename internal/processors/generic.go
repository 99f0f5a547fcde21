package processors

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/language"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

// textSampleLimit bounds how much of a text file is read for detection.
const textSampleLimit = 64 * 1024

type TextResult struct {
	Kind               string  `json:"kind"`
	MIME               string  `json:"mime"`
	SizeBytes          int64   `json:"size_bytes"`
	Lines              int     `json:"lines"`
	Words              int     `json:"words"`
	Language           string  `json:"language"`
	LanguageConfidence float64 `json:"language_confidence"`
	Sampled            bool    `json:"sampled,omitempty"`
}

type BinaryResult struct {
	Kind      string `json:"kind"`
	MIME      string `json:"mime"`
	Extension string `json:"extension"`
	SizeBytes int64  `json:"size_bytes"`
}

// ProcessGeneric sniffs the content type and hands recognized documents to
// the matching inspector. Text gets a line, word and language census.
func ProcessGeneric(ctx context.Context, file jobs.FileEntry, _ *jobs.Job) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mt, err := mimetype.DetectFile(file.Source)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", file.Source, err)
	}

	switch {
	case mt.Is("application/pdf"):
		return InspectPDF(ctx, file.Source)
	case isSpreadsheet(mt):
		return InspectWorkbook(ctx, file.Source)
	case isText(mt):
		return inspectText(ctx, file.Source, mt)
	case mt.Is("application/zip"):
		// OOXML workbooks are not always recognized from their first entries.
		if wb, err := InspectWorkbook(ctx, file.Source); err == nil {
			return wb, nil
		}
	}

	info, err := os.Stat(file.Source)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", file.Source, err)
	}
	return &BinaryResult{
		Kind:      "binary",
		MIME:      mt.String(),
		Extension: mt.Extension(),
		SizeBytes: info.Size(),
	}, nil
}

func isSpreadsheet(mt *mimetype.MIME) bool {
	return mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") ||
		mt.Is("application/vnd.ms-excel")
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func inspectText(ctx context.Context, path string, mt *mimetype.MIME) (*TextResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	buf, err := io.ReadAll(io.LimitReader(f, textSampleLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := string(buf)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, " ")
	}
	ret := &TextResult{
		Kind:      "text",
		MIME:      mt.String(),
		SizeBytes: info.Size(),
		Words:     len(strings.Fields(text)),
		Sampled:   info.Size() > int64(len(buf)),
	}
	if text != "" {
		ret.Lines = strings.Count(text, "\n")
		if !strings.HasSuffix(text, "\n") {
			ret.Lines++
		}
	}

	tag, confidence := detectLanguage(text)
	ret.Language = tag.String()
	ret.LanguageConfidence = confidence
	return ret, nil
}

// detectLanguage returns und when the sample is too short or ambiguous.
func detectLanguage(text string) (language.Tag, float64) {
	if strings.TrimSpace(text) == "" {
		return language.Und, 0
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" || !info.IsReliable() {
		return language.Und, info.Confidence
	}
	tag, err := language.Parse(code)
	if err != nil {
		return language.Und, info.Confidence
	}
	return tag, info.Confidence
}
