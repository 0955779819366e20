package workbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/leafscale/aps/internal/plan"
)

// blankRunLimit terminates the table: three consecutive blank rows mean the
// plan data is over, whatever trailing notes the sheet still holds.
const blankRunLimit = 3

type (
	// Options configures one parse.
	Options struct {
		// Cadence selects year-defaulting for short dates. Required.
		Cadence plan.Cadence
		// PlanYear anchors monthly short dates. Defaults to the current
		// year.
		PlanYear int
		// Now supplies the clock, for decade-period defaulting. Defaults
		// to time.Now.
		Now func() time.Time
		// Machines enables machine-code validation when non-nil: codes
		// absent from the map, or present with the wrong kind, fail the
		// row.
		Machines map[string]plan.MachineKind
		// MaxBytes bounds ParseBytes input. Zero applies MaxWorkbookBytes.
		MaxBytes int64
	}

	// Result carries the parsed rows and everything the parse had to say
	// about them.
	Result struct {
		Rows        []plan.PlanRow
		Diagnostics []plan.Diagnostic
		// ExtraColumns lists unrecognized header labels, in column order.
		ExtraColumns []string
		Counts       plan.RowCounts
	}

	parser struct {
		grid Grid
		opts Options
		hdr  header
		// carry holds the last non-empty value per carry column, used to
		// stand in for merge metadata the xls reader cannot provide.
		carry map[Column]string
	}
)

// ParseBytes opens the workbook and parses its first sheet.
func ParseBytes(filename string, data []byte, opts Options) (Result, error) {
	grid, err := Open(filename, data, opts.MaxBytes)
	if err != nil {
		return Result{}, err
	}
	return Parse(grid, opts)
}

// Parse extracts plan rows from the grid. Structural problems (no header)
// return an error; everything else is reported per row through diagnostics
// and row status.
func Parse(g Grid, opts Options) (Result, error) {
	if !opts.Cadence.Valid() {
		return Result{}, fmt.Errorf("unknown cadence %q", opts.Cadence)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PlanYear == 0 {
		opts.PlanYear = opts.Now().Year()
	}

	hdr, err := locateHeader(g)
	if err != nil {
		return Result{}, err
	}

	p := &parser{grid: g, opts: opts, hdr: hdr, carry: make(map[Column]string)}

	var res Result
	for c := 0; c < g.Width(); c++ {
		if label, ok := hdr.extra[c]; ok {
			res.ExtraColumns = append(res.ExtraColumns, label)
		}
	}

	blankRun := 0
	for r := hdr.row + 1; r < g.Rows(); r++ {
		if p.rowBlank(r) {
			blankRun++
			if blankRun >= blankRunLimit {
				break
			}
			continue
		}
		blankRun = 0

		row, diags := p.buildRow(r)
		res.Rows = append(res.Rows, row)
		res.Diagnostics = append(res.Diagnostics, diags...)

		res.Counts.Total++
		switch row.Status {
		case plan.RowValid:
			res.Counts.Valid++
		case plan.RowWarning:
			res.Counts.Warning++
			res.Counts.Valid++
		case plan.RowError:
			res.Counts.Error++
		}
	}

	return res, nil
}

func (p *parser) rowBlank(r int) bool {
	for c := 0; c < p.grid.Width(); c++ {
		if p.grid.Cell(r, c) != "" {
			return false
		}
	}
	return true
}

// value reads the cell for a column role, applying carry-forward when the
// grid has no merge metadata.
func (p *parser) value(r int, col Column) string {
	idx, ok := p.hdr.cols[col]
	if !ok {
		return ""
	}
	v := p.grid.Cell(r, idx)
	if p.grid.ResolvedMerges() || !carryColumns[col] {
		return v
	}
	if v == "" {
		return p.carry[col]
	}
	p.carry[col] = v
	return v
}

func (p *parser) buildRow(r int) (plan.PlanRow, []plan.Diagnostic) {
	rowIdx := r + 1
	row := plan.PlanRow{
		RowIndex: rowIdx,
		Status:   plan.RowValid,
	}
	var diags []plan.Diagnostic
	var messages []string

	report := func(status plan.RowStatus, col Column, kind plan.DiagKind, value, msg string) {
		diags = append(diags, plan.Diagnostic{
			Row:     rowIdx,
			Column:  string(col),
			Kind:    kind,
			Value:   value,
			Message: msg,
		})
		messages = append(messages, msg)
		if status == plan.RowError || row.Status == plan.RowError {
			row.Status = plan.RowError
		} else {
			row.Status = plan.RowWarning
		}
	}

	row.WorkOrderID = p.value(r, ColWorkOrder)
	if row.WorkOrderID == "" {
		row.WorkOrderID = fmt.Sprintf("R%04d", rowIdx)
	}
	row.PackageType = p.value(r, ColPackage)
	row.Specification = p.value(r, ColSpec)
	row.Unit = p.value(r, ColUnit)

	row.Article = normalizeArticle(p.value(r, ColArticle))
	if row.Article == "" {
		report(plan.RowError, ColArticle, plan.DiagMissing, "", "article is missing")
	}

	row.Feeders = splitCodes(p.value(r, ColFeeder))
	if len(row.Feeders) == 0 {
		report(plan.RowError, ColFeeder, plan.DiagMissing, p.value(r, ColFeeder), "feeder code is missing")
	}
	row.Makers = splitCodes(p.value(r, ColMaker))
	if len(row.Makers) == 0 {
		report(plan.RowError, ColMaker, plan.DiagMissing, p.value(r, ColMaker), "maker code is missing")
	}
	p.checkCodes(row.Feeders, plan.MachineFeeder, ColFeeder, report)
	p.checkCodes(row.Makers, plan.MachineMaker, ColMaker, report)

	inputRaw := p.value(r, ColInput)
	if inputRaw == "" {
		report(plan.RowError, ColInput, plan.DiagMissing, "", "input quantity is missing")
	} else if n, err := parseQuantity(inputRaw); err != nil {
		report(plan.RowError, ColInput, plan.DiagFormat, inputRaw, fmt.Sprintf("bad input quantity: %v", err))
	} else if n <= 0 {
		report(plan.RowError, ColInput, plan.DiagOutOfRange, inputRaw, "input quantity must be positive")
	} else {
		row.InputQuantity = n
	}

	finalRaw := p.value(r, ColFinal)
	switch {
	case finalRaw == "":
		row.FinalQuantity = row.InputQuantity
		report(plan.RowWarning, ColFinal, plan.DiagMissing, "", "final quantity missing, assuming input quantity")
	default:
		n, err := parseQuantity(finalRaw)
		if err != nil {
			report(plan.RowError, ColFinal, plan.DiagFormat, finalRaw, fmt.Sprintf("bad final quantity: %v", err))
		} else {
			row.FinalQuantity = n
		}
	}
	if row.Status != plan.RowError && row.InputQuantity > 0 {
		ratio := float64(row.FinalQuantity) / float64(row.InputQuantity)
		if ratio < 0.8 || ratio > 1.2 {
			report(plan.RowError, ColFinal, plan.DiagOutOfRange, finalRaw,
				fmt.Sprintf("final quantity %d outside 0.8-1.2x input %d", row.FinalQuantity, row.InputQuantity))
		}
	}

	row.RawDateRange = p.value(r, ColDates)
	if row.RawDateRange == "" {
		report(plan.RowError, ColDates, plan.DiagMissing, "", "production date range is missing")
	} else {
		start, end, err := parseDateRange(row.RawDateRange, p.opts.Cadence, p.opts.PlanYear, p.opts.Now())
		if err != nil {
			report(plan.RowError, ColDates, plan.DiagFormat, row.RawDateRange, fmt.Sprintf("bad date range: %v", err))
		} else {
			row.Start, row.End = start, end
		}
	}

	if len(p.hdr.extra) > 0 {
		row.Extra = make(map[string]string, len(p.hdr.extra))
		for c, label := range p.hdr.extra {
			if v := p.grid.Cell(r, c); v != "" {
				row.Extra[label] = v
			}
		}
		if len(row.Extra) == 0 {
			row.Extra = nil
		}
	}

	row.Message = strings.Join(messages, "; ")
	return row, diags
}

func (p *parser) checkCodes(codes []string, want plan.MachineKind, col Column, report func(plan.RowStatus, Column, plan.DiagKind, string, string)) {
	if p.opts.Machines == nil {
		return
	}
	for _, code := range codes {
		kind, ok := p.opts.Machines[code]
		if !ok {
			report(plan.RowError, col, plan.DiagUnknownCode, code, fmt.Sprintf("unknown machine code %q", code))
			continue
		}
		if kind != want {
			report(plan.RowError, col, plan.DiagUnknownCode, code, fmt.Sprintf("machine %q is not a %s", code, want))
		}
	}
}
