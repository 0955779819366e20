package workbook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitCodes(t *testing.T) {
	tests := []struct {
		name string
		cell string
		want []string
	}{
		{name: "comma", cell: "JB01,JB02", want: []string{"JB01", "JB02"}},
		{name: "ideographic comma", cell: "JB01，JB02", want: []string{"JB01", "JB02"}},
		{name: "enumeration comma", cell: "JB01、JB02、JB03", want: []string{"JB01", "JB02", "JB03"}},
		{name: "slash and semicolon", cell: "WS01/WS02;WS03", want: []string{"WS01", "WS02", "WS03"}},
		{name: "whitespace", cell: " JB01  JB02 ", want: []string{"JB01", "JB02"}},
		{name: "duplicates keep first", cell: "JB01,JB02,JB01", want: []string{"JB01", "JB02"}},
		{name: "empty", cell: "  ", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitCodes(tt.cell)
			if len(tt.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		cell    string
		want    int
		wantErr bool
	}{
		{cell: "1200", want: 1200},
		{cell: "1,200", want: 1200},
		{cell: "1，200", want: 1200},
		{cell: "300箱", want: 300},
		{cell: " 42 ", want: 42},
		{cell: "42.0", want: 42},
		{cell: "12.5", wantErr: true},
		{cell: "abc", wantErr: true},
		{cell: "", wantErr: true},
		{cell: "-5", want: -5},
	}

	for _, tt := range tests {
		t.Run(tt.cell, func(t *testing.T) {
			got, err := parseQuantity(tt.cell)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeArticle(t *testing.T) {
	require.Equal(t, "HONGTA CLASSIC", normalizeArticle("  hongta   classic "))
	require.Equal(t, "云烟 97", normalizeArticle("云烟  97"))
	require.Equal(t, "", normalizeArticle("   "))
}
