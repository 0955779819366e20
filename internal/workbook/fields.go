package workbook

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// splitCodes breaks a machine-code cell into individual codes. Codes are
// separated by any mix of commas, ideographic commas, semicolons, and
// whitespace; empty tokens are dropped and duplicates removed preserving
// first occurrence.
func splitCodes(cell string) []string {
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		switch r {
		case ',', '，', '、', ';', '；', '/':
			return true
		}
		return unicode.IsSpace(r)
	})
	seen := make(map[string]struct{}, len(fields))
	codes := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		codes = append(codes, f)
	}
	return codes
}

// parseQuantity reads an integer box count. Thousands separators and a
// trailing unit suffix are tolerated; fractional values are accepted only
// when integral.
func parseQuantity(cell string) (int, error) {
	s := strings.TrimSpace(cell)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "，", "")
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", cell)
	}
	n := int(f)
	if float64(n) != f {
		return 0, fmt.Errorf("fractional box count: %q", cell)
	}
	return n, nil
}

// normalizeArticle collapses internal whitespace and uppercases the code so
// "  hongta  classic " and "HONGTA CLASSIC" compare equal.
func normalizeArticle(cell string) string {
	return strings.ToUpper(strings.Join(strings.Fields(cell), " "))
}
