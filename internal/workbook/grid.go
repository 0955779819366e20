// Package workbook extracts structured plan rows from uploaded spreadsheet
// workbooks. The parser is tolerant: merged cells, free-form layouts, and
// bilingual headers are expected, every anomaly becomes a diagnostic, and
// only structural problems (unreadable file, no header) fail the parse.
package workbook

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// MaxWorkbookBytes is the default size limit for uploaded workbooks.
const MaxWorkbookBytes = 50 << 20

// Structural errors. Anything else the parser reports as row diagnostics.
var (
	ErrTooLarge          = errors.New("workbook exceeds size limit")
	ErrUnsupportedFormat = errors.New("unsupported workbook format")
	ErrEmptyWorkbook     = errors.New("workbook has no sheets")
	ErrHeaderNotFound    = errors.New("header row not found")
)

// Grid is a rectangular view of the first sheet of a workbook. Coordinates
// are 0-based; out-of-range cells read as empty.
type Grid interface {
	// Rows returns the number of rows.
	Rows() int
	// Width returns the widest row's cell count.
	Width() int
	// Cell returns the trimmed value at (row, col).
	Cell(row, col int) string
	// ResolvedMerges reports whether merged regions were expanded from
	// sheet metadata. When false the parser forward-fills carry columns
	// inside the detected table instead.
	ResolvedMerges() bool
}

// Open reads workbook bytes into a Grid, dispatching on the file extension.
// The limit argument bounds the accepted size; zero applies
// MaxWorkbookBytes.
func Open(filename string, data []byte, limit int64) (Grid, error) {
	if limit <= 0 {
		limit = MaxWorkbookBytes
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return openXLSX(data)
	case ".xls":
		return openXLS(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// sliceGrid is the in-memory grid shared by both readers and by tests.
type sliceGrid struct {
	cells  [][]string
	width  int
	merges bool
}

func newSliceGrid(cells [][]string, resolvedMerges bool) *sliceGrid {
	width := 0
	for _, row := range cells {
		if len(row) > width {
			width = len(row)
		}
	}
	return &sliceGrid{cells: cells, width: width, merges: resolvedMerges}
}

func (g *sliceGrid) Rows() int  { return len(g.cells) }
func (g *sliceGrid) Width() int { return g.width }

func (g *sliceGrid) Cell(row, col int) string {
	if row < 0 || row >= len(g.cells) {
		return ""
	}
	r := g.cells[row]
	if col < 0 || col >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[col])
}

func (g *sliceGrid) ResolvedMerges() bool { return g.merges }

// openXLSX loads the first sheet and expands merged regions so every
// covered cell carries the region's value.
func openXLSX(data []byte) (Grid, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyWorkbook
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	merges, err := f.GetMergeCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("read merged cells: %w", err)
	}
	for _, mc := range merges {
		startCol, startRow, err := excelize.CellNameToCoordinates(mc.GetStartAxis())
		if err != nil {
			continue
		}
		endCol, endRow, err := excelize.CellNameToCoordinates(mc.GetEndAxis())
		if err != nil {
			continue
		}
		value := strings.TrimSpace(mc.GetCellValue())
		if value == "" {
			continue
		}
		for r := startRow; r <= endRow; r++ {
			for c := startCol; c <= endCol; c++ {
				rows = fillCell(rows, r-1, c-1, value)
			}
		}
	}

	return newSliceGrid(rows, true), nil
}

// openXLS loads the first sheet of a legacy BIFF workbook. The reader does
// not expose merge metadata, so ResolvedMerges is false and the parser
// forward-fills carry columns.
func openXLS(data []byte) (Grid, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, ErrEmptyWorkbook
	}

	cells := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			cells = append(cells, nil)
			continue
		}
		last := row.LastCol()
		line := make([]string, 0, last+1)
		for j := 0; j <= last; j++ {
			line = append(line, row.Col(j))
		}
		cells = append(cells, line)
	}

	return newSliceGrid(cells, false), nil
}

// fillCell writes value at (row, col), growing the slice as needed. Existing
// non-empty values win so the region's anchor text is never overwritten.
func fillCell(rows [][]string, row, col int, value string) [][]string {
	for len(rows) <= row {
		rows = append(rows, nil)
	}
	for len(rows[row]) <= col {
		rows[row] = append(rows[row], "")
	}
	if strings.TrimSpace(rows[row][col]) == "" {
		rows[row][col] = value
	}
	return rows
}
