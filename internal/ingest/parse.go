package ingest

import (
	"bufio"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// delimiterCandidates in preference order; comma wins ties.
var delimiterCandidates = []rune{',', '\t', ';', '|'}

// DetectDelimiter picks the delimiter that appears most often in the header
// line. Defaults to comma when nothing else scores higher.
func DetectDelimiter(headerLine string) rune {
	best := ','
	bestCount := strings.Count(headerLine, ",")
	for _, d := range delimiterCandidates[1:] {
		if n := strings.Count(headerLine, string(d)); n > bestCount {
			best = d
			bestCount = n
		}
	}
	return best
}

// NewReader wraps r in a CSV reader with BOM stripping and auto-detected
// delimiter. The header line is consumed for detection and returned.
func NewReader(r io.Reader) (*csv.Reader, []string, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	buf := bufio.NewReader(decoded)

	headerLine, err := buf.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("ingest: read header: %w", err)
	}
	if strings.TrimSpace(headerLine) == "" {
		return nil, nil, fmt.Errorf("ingest: empty input")
	}

	delim := DetectDelimiter(headerLine)

	headerReader := csv.NewReader(strings.NewReader(headerLine))
	headerReader.Comma = delim
	header, err := headerReader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: parse header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	cr := csv.NewReader(buf)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr, header, nil
}

// normalizeHeader lowercases and strips underscores and spaces so that
// "Product_ID", "product id" and "PRODUCTID" all compare equal.
func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// MatchHeader returns the index of the first header whose normalized form
// equals the normalized label, or -1. Exact normalized match only; ambiguous
// headers are a caller-side failure, never a guess.
func MatchHeader(headers []string, label string) int {
	want := normalizeHeader(label)
	for i, h := range headers {
		if normalizeHeader(h) == want {
			return i
		}
	}
	return -1
}

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// CleanNumber strips currency symbols and stray formatting before parsing.
// Unparsable values become 0 rather than failing the row.
func CleanNumber(s string) float64 {
	cleaned := nonNumeric.ReplaceAllString(strings.TrimSpace(s), "")
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

// dateLayouts is the fixed ordered list of accepted input formats.
// First match wins.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
	"2006.01.02",
	"02.01.2006",
}

// NormalizeDate parses a raw date string against the accepted layouts and
// returns the canonical YYYY-MM-DD form.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("ingest: empty date")
	}
	// Timestamps get their time component dropped.
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("ingest: unrecognized date %q", s)
}

// DedupKey derives the idempotency key for one logical fact. The same
// (type, target, location, date) always yields the same key, so re-ingesting
// overwrites instead of duplicating.
func DedupKey(eventType, targetID, locationID, date string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", eventType, targetID, locationID, date)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// EventID derives the event id from a prefix of the dedup key, keeping ids
// stable across re-ingestion of the same fact.
func EventID(dedupKey string) string {
	return "EVT_" + dedupKey[:12]
}
