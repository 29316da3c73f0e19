// Package export renders a job's results as a flat table, one row per
// company, with person counts pivoted into one column per query name.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/market-sizer/internal/aggregator"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// Format is an output file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

// ErrUnknownFormat is returned for formats other than csv and xlsx.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts "csv" or "xlsx", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case CSV, XLSX:
		return f, nil
	case "":
		return CSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == XLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Fixed leading columns.
var baseColumns = []string{"company_id", "name", "domain", "root_domain", "truncated"}

// Cell values for person counts that could not be read.
const errorCell = "error"

// Table is the rendered result set. Counts holds, per row, the person
// count per query in Queries order; -1 marks a failed count.
type Table struct {
	Queries []string
	Rows    []Row
}

// Row is one company, or one explicit target without a company row.
type Row struct {
	CompanyID  string
	Name       string
	Domain     string
	RootDomain string
	Truncated  bool
	Counts     []int64
}

// Header returns the column names.
func (t Table) Header() []string {
	return append(append([]string(nil), baseColumns...), t.Queries...)
}

// Build pivots records onto company rows. Person counts are matched to
// companies by root domain; counts for domains without a company row
// (explicit targets) get rows of their own, in first-seen order.
func Build(segments []types.Segment, records []types.ResultRecord) Table {
	truncated := make(map[types.SegmentID]bool)
	for _, s := range segments {
		if s.Status == types.SegmentTruncated {
			truncated[s.ID] = true
		}
	}

	t := Table{Queries: aggregator.QueryNames(records)}
	col := make(map[string]int, len(t.Queries))
	for i, q := range t.Queries {
		col[q] = i
	}

	byDomain := make(map[string][]int)
	add := func(r Row) int {
		r.Counts = make([]int64, len(t.Queries))
		t.Rows = append(t.Rows, r)
		i := len(t.Rows) - 1
		if r.RootDomain != "" {
			byDomain[r.RootDomain] = append(byDomain[r.RootDomain], i)
		}
		return i
	}

	for _, rec := range records {
		if rec.Kind != types.RecordCompany || rec.Status != types.ResultOK {
			continue
		}
		row := Row{
			CompanyID:  rec.EntityID,
			Name:       rec.Name,
			RootDomain: rec.Domain,
			Truncated:  truncated[rec.SegmentID],
		}
		if len(rec.Payload) > 0 {
			if c, err := provider.CompanyFromRow(rec.Payload); err == nil {
				row.Domain = c.Website
			}
		}
		add(row)
	}

	for _, rec := range records {
		if rec.QueryName == "" || rec.Domain == "" {
			continue
		}
		if rec.Kind != types.RecordPersonCount && rec.Kind != types.RecordSegmentError {
			continue
		}
		rows, ok := byDomain[rec.Domain]
		if !ok {
			rows = []int{add(Row{Domain: rec.Domain, RootDomain: rec.Domain})}
		}
		c := col[rec.QueryName]
		for _, i := range rows {
			switch {
			case rec.Kind == types.RecordSegmentError:
				t.Rows[i].Counts[c] = -1
			case t.Rows[i].Counts[c] >= 0:
				t.Rows[i].Counts[c] += rec.TotalCount
			}
		}
	}
	return t
}

// Write renders t in format to w.
func Write(w io.Writer, format Format, t Table) error {
	switch format {
	case CSV:
		return WriteCSV(w, t)
	case XLSX:
		return WriteXLSX(w, t)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteCSV writes t as RFC 4180 CSV with a header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range t.Rows {
		rec := []string{r.CompanyID, r.Name, r.Domain, r.RootDomain, strconv.FormatBool(r.Truncated)}
		for _, n := range r.Counts {
			rec = append(rec, countCell(n))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

const sheet = "Results"

// WriteXLSX writes t as a single-sheet workbook. Counts are numeric cells.
func WriteXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range t.Header() {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("xlsx header: %w", err)
		}
	}

	for ri, r := range t.Rows {
		values := []any{r.CompanyID, r.Name, r.Domain, r.RootDomain, r.Truncated}
		for _, n := range r.Counts {
			if n < 0 {
				values = append(values, errorCell)
			} else {
				values = append(values, n)
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, ri+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("xlsx row %d: %w", ri+2, err)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 14) // id
	_ = f.SetColWidth(sheet, "B", "B", 32) // name
	_ = f.SetColWidth(sheet, "C", "D", 28) // domains

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func countCell(n int64) string {
	if n < 0 {
		return errorCell
	}
	return strconv.FormatInt(n, 10)
}
