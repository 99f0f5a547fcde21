package processors

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

var isinPattern = regexp.MustCompile(`\b[A-Z]{2}[A-Z0-9]{9}[0-9]\b`)

type SheetInfo struct {
	Name         string   `json:"name"`
	Rows         int      `json:"rows"`
	Columns      int      `json:"columns"`
	Header       []string `json:"header,omitempty"`
	NumericCells int      `json:"numeric_cells"`
	NumericTotal float64  `json:"numeric_total"`
}

type WorkbookResult struct {
	Kind      string      `json:"kind"`
	Sheets    []SheetInfo `json:"sheets"`
	TotalRows int         `json:"total_rows"`
	// ISINs lists distinct security identifiers in order of appearance.
	ISINs    []string `json:"isins,omitempty"`
	ISINRows int      `json:"isin_rows"`
}

// InspectWorkbook walks every sheet of a spreadsheet and takes a census of
// its cells.
func InspectWorkbook(ctx context.Context, path string) (*WorkbookResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ret := &WorkbookResult{Kind: "workbook"}
	seen := make(map[string]struct{})
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}

		info := SheetInfo{Name: sheet, Rows: len(rows)}
		for i, row := range rows {
			if len(row) > info.Columns {
				info.Columns = len(row)
			}
			if i == 0 {
				info.Header = append([]string(nil), row...)
				continue
			}
			rowHasISIN := false
			for _, cell := range row {
				if v, ok := parseAmount(cell); ok {
					info.NumericCells++
					info.NumericTotal += v
				}
				for _, isin := range isinPattern.FindAllString(strings.ToUpper(cell), -1) {
					rowHasISIN = true
					if _, dup := seen[isin]; !dup {
						seen[isin] = struct{}{}
						ret.ISINs = append(ret.ISINs, isin)
					}
				}
			}
			if rowHasISIN {
				ret.ISINRows++
			}
		}
		ret.TotalRows += info.Rows
		ret.Sheets = append(ret.Sheets, info)
	}
	return ret, nil
}

// parseAmount accepts plain numbers plus common currency and grouping noise
// such as "$1,250.00" or "(300)".
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(strings.TrimLeft(s, "$€£¥"))
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

func ProcessExcel(ctx context.Context, file jobs.FileEntry, _ *jobs.Job) (any, error) {
	return InspectWorkbook(ctx, file.Source)
}
