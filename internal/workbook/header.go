package workbook

import (
	"fmt"
	"strings"
)

// Column identifies a plan-table column by role rather than position.
type Column string

const (
	ColWorkOrder Column = "work-order"
	ColArticle   Column = "article"
	ColPackage   Column = "package-type"
	ColSpec      Column = "specification"
	ColUnit      Column = "unit"
	ColFeeder    Column = "feeder"
	ColMaker     Column = "maker"
	ColInput     Column = "input-quantity"
	ColFinal     Column = "final-quantity"
	ColDates     Column = "date-range"
)

// headerAliases maps each column role to the labels it is recognized by.
// Matching is substring-based on the normalized cell text, so 投料量(箱)
// resolves through 投料 and "Input Qty" through "input".
var headerAliases = map[Column][]string{
	ColWorkOrder: {"工单", "单号", "work order", "order no"},
	ColArticle:   {"牌号", "品牌", "article", "brand"},
	ColPackage:   {"包装类型", "包装", "package"},
	ColSpec:      {"规格", "spec"},
	ColUnit:      {"生产单元", "单元", "unit"},
	ColFeeder:    {"喂丝机", "feeder"},
	ColMaker:     {"卷包机", "maker"},
	ColInput:     {"投料", "input"},
	ColFinal:     {"成品", "产量", "final", "output"},
	ColDates:     {"生产日期", "日期", "date"},
}

// requiredColumns must all resolve for a row to qualify as the header.
var requiredColumns = []Column{ColArticle, ColFeeder, ColMaker, ColInput, ColFinal, ColDates}

// carryColumns inherit the value from the row above when a cell is empty
// and the grid could not expand merged regions. Quantity and maker columns
// never carry: a blank there is a real blank.
var carryColumns = map[Column]bool{
	ColWorkOrder: true,
	ColArticle:   true,
	ColPackage:   true,
	ColSpec:      true,
	ColUnit:      true,
	ColFeeder:    true,
	ColDates:     true,
}

// header is the resolved layout of one plan table.
type header struct {
	// row is the 0-based grid row the header was found on.
	row int
	// cols maps each recognized role to its 0-based column index.
	cols map[Column]int
	// extra lists unrecognized header labels by column index.
	extra map[int]string
}

// locateHeader scans the grid top-down for the first row on which every
// required column resolves. Returns ErrHeaderNotFound (with the best
// candidate's missing labels) when no row qualifies.
func locateHeader(g Grid) (header, error) {
	best := header{row: -1}
	bestMatched := 0
	for r := 0; r < g.Rows(); r++ {
		h := resolveRow(g, r)
		matched := 0
		for _, col := range requiredColumns {
			if _, ok := h.cols[col]; ok {
				matched++
			}
		}
		if matched == len(requiredColumns) {
			return h, nil
		}
		if matched > bestMatched {
			best, bestMatched = h, matched
		}
	}
	if bestMatched == 0 {
		return header{}, ErrHeaderNotFound
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := best.cols[col]; !ok {
			missing = append(missing, string(col))
		}
	}
	return header{}, fmt.Errorf("%w: row %d missing %s", ErrHeaderNotFound, best.row+1, strings.Join(missing, ", "))
}

// resolveRow maps every cell of the row to a column role, first alias hit
// wins per role, leftmost cell wins per duplicate label.
func resolveRow(g Grid, row int) header {
	h := header{row: row, cols: make(map[Column]int), extra: make(map[int]string)}
	for c := 0; c < g.Width(); c++ {
		cell := normalizeLabel(g.Cell(row, c))
		if cell == "" {
			continue
		}
		role, ok := matchLabel(cell)
		if !ok {
			h.extra[c] = g.Cell(row, c)
			continue
		}
		if _, taken := h.cols[role]; !taken {
			h.cols[role] = c
		}
	}
	return h
}

func matchLabel(normalized string) (Column, bool) {
	for _, role := range []Column{
		ColWorkOrder, ColArticle, ColPackage, ColSpec, ColUnit,
		ColFeeder, ColMaker, ColInput, ColFinal, ColDates,
	} {
		for _, alias := range headerAliases[role] {
			if strings.Contains(normalized, normalizeLabel(alias)) {
				return role, true
			}
		}
	}
	return "", false
}

// normalizeLabel lowercases and strips whitespace and bracketed units so
// 投料量（箱） and "Input Qty (boxes)" compare by their stems.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, cut := range []string{"（", "("} {
		if i := strings.Index(s, cut); i >= 0 {
			s = s[:i]
		}
	}
	return strings.Join(strings.Fields(s), "")
}
