package processors

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

type FinancialResult struct {
	Kind         string          `json:"kind"`
	Workbook     *WorkbookResult `json:"workbook,omitempty"`
	PDF          *PDFResult      `json:"pdf,omitempty"`
	NumericCells int             `json:"numeric_cells"`
	NumericTotal float64         `json:"numeric_total"`
}

type PortfolioResult struct {
	Kind     string          `json:"kind"`
	Workbook *WorkbookResult `json:"workbook,omitempty"`
	PDF      *PDFResult      `json:"pdf,omitempty"`
	Holdings int             `json:"holdings"`
	ISINs    []string        `json:"isins,omitempty"`
}

func isWorkbookName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm", ".xls":
		return true
	}
	return false
}

// ProcessFinancial totals the numeric cells of statements delivered as
// spreadsheets. Other formats get the PDF census.
func ProcessFinancial(ctx context.Context, file jobs.FileEntry, _ *jobs.Job) (any, error) {
	ret := &FinancialResult{Kind: "financial"}
	if !isWorkbookName(file.Name) {
		pdf, err := InspectPDF(ctx, file.Source)
		if err != nil {
			return nil, err
		}
		ret.PDF = pdf
		return ret, nil
	}

	wb, err := InspectWorkbook(ctx, file.Source)
	if err != nil {
		return nil, err
	}
	ret.Workbook = wb
	for _, s := range wb.Sheets {
		ret.NumericCells += s.NumericCells
		ret.NumericTotal += s.NumericTotal
	}
	return ret, nil
}

// ProcessPortfolio counts holdings as rows carrying a security identifier.
func ProcessPortfolio(ctx context.Context, file jobs.FileEntry, _ *jobs.Job) (any, error) {
	ret := &PortfolioResult{Kind: "portfolio"}
	if !isWorkbookName(file.Name) {
		pdf, err := InspectPDF(ctx, file.Source)
		if err != nil {
			return nil, err
		}
		ret.PDF = pdf
		return ret, nil
	}

	wb, err := InspectWorkbook(ctx, file.Source)
	if err != nil {
		return nil, err
	}
	ret.Workbook = wb
	ret.Holdings = wb.ISINRows
	ret.ISINs = wb.ISINs
	return ret, nil
}
