package workbook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leafscale/aps/internal/plan"
)

// rangeSeparators are normalized to a plain hyphen before splitting.
var rangeSeparators = strings.NewReplacer("—", "-", "–", "-", "~", "-", "～", "-", "至", "-")

// parseDateRange reads a production date range cell. Two shapes are
// accepted: M.D - M.D and YYYY/MM/DD - YYYY/MM/DD (dots interchangeable
// with slashes). Short dates default their year to the batch plan year for
// monthly plans and to the year of the next ten-day period for decade
// plans. The result spans from 00:00:00 on the start day to 23:59:59 on
// the end day.
func parseDateRange(raw string, cadence plan.Cadence, planYear int, now time.Time) (time.Time, time.Time, error) {
	s := rangeSeparators.Replace(strings.TrimSpace(raw))
	if s == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("empty date range")
	}
	parts := strings.Split(s, "-")
	if len(parts) == 1 {
		// A single date plans one day.
		parts = append(parts, parts[0])
	}
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed date range %q", raw)
	}

	year := defaultYear(cadence, planYear, now)
	start, err := parseOneDate(parts[0], year)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseOneDate(parts[1], year)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	// A range like 12.25 - 1.5 wraps into the next year.
	if end.Before(start) {
		end = end.AddDate(1, 0, 0)
	}

	startAt := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	endAt := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC)
	return startAt, endAt, nil
}

// parseOneDate reads M.D or YYYY/MM/DD (with . or / separators), applying
// defaultYear to the short form.
func parseOneDate(tok string, defaultYear int) (time.Time, error) {
	tok = strings.TrimSpace(tok)
	tok = strings.TrimSuffix(tok, "日")
	tok = strings.ReplaceAll(tok, "月", ".")
	fields := strings.FieldsFunc(tok, func(r rune) bool { return r == '.' || r == '/' })
	nums := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed date %q", tok)
		}
		nums = append(nums, n)
	}
	var year, month, day int
	switch len(nums) {
	case 2:
		year, month, day = defaultYear, nums[0], nums[1]
	case 3:
		year, month, day = nums[0], nums[1], nums[2]
	default:
		return time.Time{}, fmt.Errorf("malformed date %q", tok)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("date out of range %q", tok)
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// defaultYear selects the year for short-form dates: the batch plan year
// for monthly plans, the year the next ten-day period starts in for decade
// plans.
func defaultYear(cadence plan.Cadence, planYear int, now time.Time) int {
	if cadence == plan.CadenceDecade {
		return nextDecadeStart(now).Year()
	}
	if planYear > 0 {
		return planYear
	}
	return now.Year()
}

// nextDecadeStart returns the first day of the ten-day period after the one
// containing t. Periods start on the 1st, 11th, and 21st.
func nextDecadeStart(t time.Time) time.Time {
	y, m, d := t.Date()
	switch {
	case d < 11:
		return time.Date(y, m, 11, 0, 0, 0, 0, t.Location())
	case d < 21:
		return time.Date(y, m, 21, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	}
}
