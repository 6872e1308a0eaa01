package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   rune
	}{
		{"comma", "sku,name,price", ','},
		{"tab", "sku\tname\tprice", '\t'},
		{"semicolon", "sku;name;price", ';'},
		{"pipe", "sku|name|price", '|'},
		{"single column defaults to comma", "sku", ','},
		{"comma wins ties", "a,b|c", ','},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDelimiter(tt.header))
		})
	}
}

func TestNewReader_StripsBOM(t *testing.T) {
	input := "\xEF\xBB\xBFsku,name\nA1,Widget\n"
	cr, header, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"sku", "name"}, header)

	record, err := cr.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "Widget"}, record)
}

func TestNewReader_EmptyInput(t *testing.T) {
	_, _, err := NewReader(strings.NewReader(""))
	require.Error(t, err)
}

func TestMatchHeader(t *testing.T) {
	headers := []string{"Product_ID", "Item Description", "RETAIL PRICE"}

	assert.Equal(t, 0, MatchHeader(headers, "product id"))
	assert.Equal(t, 0, MatchHeader(headers, "PRODUCTID"))
	assert.Equal(t, 1, MatchHeader(headers, "item_description"))
	assert.Equal(t, 2, MatchHeader(headers, "retailprice"))
	// Exact normalized match only, no partials.
	assert.Equal(t, -1, MatchHeader(headers, "product"))
	assert.Equal(t, -1, MatchHeader(headers, "price"))
}

func TestCleanNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"19.99", 19.99},
		{"$1,234.50", 1234.50},
		{"  42 ", 42},
		{"-5.5", -5.5},
		{"£99", 99},
		{"n/a", 0},
		{"", 0},
		{"..", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanNumber(tt.in))
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2026-08-25", want: "2026-08-25"},
		{in: "08/25/2026", want: "2026-08-25"},
		{in: "2026/08/25", want: "2026-08-25"},
		{in: "25-08-2026", want: "2026-08-25"},
		{in: "2026.08.25", want: "2026-08-25"},
		{in: "2026-08-25 14:30:00", want: "2026-08-25"},
		{in: "2026-08-25T14:30:00Z", want: "2026-08-25"},
		{in: "not a date", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDate(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDedupKey_Deterministic(t *testing.T) {
	k1 := DedupKey("SALES_QTY", "SKU-1", "GLOBAL", "2026-08-25")
	k2 := DedupKey("SALES_QTY", "SKU-1", "GLOBAL", "2026-08-25")
	k3 := DedupKey("SALES_QTY", "SKU-1", "STORE-9", "2026-08-25")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)

	id := EventID(k1)
	assert.True(t, strings.HasPrefix(id, "EVT_"))
	assert.Len(t, id, 16)
}
