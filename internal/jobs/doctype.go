package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

var (
	portfolioKeywords = []string{"portfolio", "investment", "holdings"}
	financialKeywords = []string{"financial", "statement", "report", "balance"}
)

// ResolveDocumentType picks the document type for a file. Precedence:
// per-file override, per-job override, filename keywords, extension,
// then GENERIC for files without a name.
func ResolveDocumentType(file FileEntry, jobOverride DocumentType) DocumentType {
	if file.DocumentTypeOverride.Valid() {
		return file.DocumentTypeOverride
	}
	if jobOverride.Valid() {
		return jobOverride
	}
	return ClassifyFilename(file.Name)
}

// ClassifyFilename applies the keyword and extension rules only.
func ClassifyFilename(name string) DocumentType {
	base := cases.Fold().String(filepath.Base(strings.TrimSpace(name)))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return DocumentGeneric
	}
	if containsAny(base, portfolioKeywords) {
		return DocumentPortfolio
	}
	if containsAny(base, financialKeywords) {
		return DocumentFinancial
	}
	switch filepath.Ext(base) {
	case ".xlsx", ".xls":
		return DocumentExcel
	default:
		return DocumentPDF
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ProcessFunc extracts content from one file. The engine imposes no timeout;
// a function that needs one must enforce it itself.
type ProcessFunc func(ctx context.Context, file FileEntry, job *Job) (any, error)

// Registry maps document types to processing functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[DocumentType]ProcessFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[DocumentType]ProcessFunc)}
}

func (r *Registry) Register(t DocumentType, fn ProcessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[t] = fn
}

// Lookup falls back to the GENERIC function when t has none.
func (r *Registry) Lookup(t DocumentType) (ProcessFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.fns[t]; ok && fn != nil {
		return fn, nil
	}
	if fn, ok := r.fns[DocumentGeneric]; ok && fn != nil {
		return fn, nil
	}
	return nil, NewError(ErrFileProcessing, fmt.Sprintf("no processing function registered for %s", t)).
		WithContext("document_type", string(t))
}

func (r *Registry) Types() []DocumentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]DocumentType, 0, len(r.fns))
	for t := range r.fns {
		ret = append(ret, t)
	}
	return ret
}
