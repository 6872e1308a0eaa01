package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/model"
)

// ErrMappingFailed is returned when a required column cannot be resolved
// against the file header. The job aborts before any write.
var ErrMappingFailed = eris.New("ingest: required column mapping failed")

// defaultMaxErrors caps how many per-row error messages a Result carries.
const defaultMaxErrors = 5

// ObjectMapping declares how file columns map onto object fields. Column
// names are matched case- and underscore-insensitively against the header.
type ObjectMapping struct {
	Type       string `json:"type"`        // object type, e.g. PRODUCT
	IDColumn   string `json:"id_column"`   // required
	NameColumn string `json:"name_column"` // optional; falls back to the id
}

// EventMapping declares how file columns map onto event fields.
type EventMapping struct {
	Type           string `json:"type"`            // event type, e.g. SALES_QTY
	TargetColumn   string `json:"target_column"`   // required
	DateColumn     string `json:"date_column"`     // required
	ValueColumn    string `json:"value_column"`    // optional; missing -> 0
	LocationColumn string `json:"location_column"` // optional; missing -> GLOBAL
}

// Result reports the outcome of one ingestion job.
type Result struct {
	Status string   `json:"status"` // SUCCESS or FAILED
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

// Engine streams delimited files into the graph in bounded batches.
type Engine struct {
	graph     *graph.Graph
	batchSize int
	maxErrors int
}

// New creates an Engine. Non-positive batchSize or maxErrors select the
// defaults (2000 rows per batch, 5 error samples per result).
func New(g *graph.Graph, batchSize, maxErrors int) *Engine {
	if batchSize <= 0 {
		batchSize = 2000
	}
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	return &Engine{graph: g, batchSize: batchSize, maxErrors: maxErrors}
}

func (e *Engine) addError(r *Result, msg string) {
	if len(r.Errors) < e.maxErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// IngestObjects reads delimited rows and upserts them as objects. The id
// column is required; every other column becomes an attribute. Rows with an
// empty id are skipped.
func (e *Engine) IngestObjects(ctx context.Context, r io.Reader, m ObjectMapping) (*Result, error) {
	cr, header, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	idIdx := MatchHeader(header, m.IDColumn)
	if idIdx < 0 {
		return nil, eris.Wrapf(ErrMappingFailed, "id column %q not found in header %v", m.IDColumn, header)
	}

	result := &Result{Status: "SUCCESS"}

	nameIdx := -1
	if m.NameColumn != "" {
		if nameIdx = MatchHeader(header, m.NameColumn); nameIdx < 0 {
			e.addError(result, fmt.Sprintf("name column %q not found in header %v; names default to the id", m.NameColumn, header))
		}
	}

	batch := make([]model.Object, 0, e.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.graph.PutObjects(ctx, batch); err != nil {
			return err
		}
		result.Count += len(batch)
		batch = batch[:0]
		return nil
	}

	rowNum := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			e.addError(result, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}

		id := strings.TrimSpace(field(record, idIdx))
		if id == "" {
			continue
		}

		name := id
		if nameIdx >= 0 {
			if n := strings.TrimSpace(field(record, nameIdx)); n != "" {
				name = n
			}
		}

		attrs := make(map[string]any)
		for i, col := range header {
			if i == idIdx || i == nameIdx {
				continue
			}
			if v := strings.TrimSpace(field(record, i)); v != "" {
				attrs[strings.ToLower(col)] = v
			}
		}

		batch = append(batch, model.Object{
			ID:         id,
			Type:       m.Type,
			Name:       name,
			Attributes: attrs,
		})
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	zap.L().Info("object ingestion complete",
		zap.String("type", m.Type),
		zap.Int("count", result.Count),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// IngestEvents reads delimited rows and upserts them as events. Target and
// date columns are required. Each row's dedup key is derived from
// (type, target, location, date), so re-running the same job overwrites
// instead of duplicating.
func (e *Engine) IngestEvents(ctx context.Context, r io.Reader, m EventMapping) (*Result, error) {
	cr, header, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	targetIdx := MatchHeader(header, m.TargetColumn)
	if targetIdx < 0 {
		return nil, eris.Wrapf(ErrMappingFailed, "target column %q not found in header %v", m.TargetColumn, header)
	}
	dateIdx := MatchHeader(header, m.DateColumn)
	if dateIdx < 0 {
		return nil, eris.Wrapf(ErrMappingFailed, "date column %q not found in header %v", m.DateColumn, header)
	}

	result := &Result{Status: "SUCCESS"}

	// Optional columns that were declared but do not match the header are
	// surfaced as warnings rather than failing the job: the fallbacks
	// (value 0, GLOBAL scope) are easy to mistake for real data otherwise.
	valueIdx := -1
	if m.ValueColumn != "" {
		if valueIdx = MatchHeader(header, m.ValueColumn); valueIdx < 0 {
			e.addError(result, fmt.Sprintf("value column %q not found in header %v; values default to 0", m.ValueColumn, header))
		}
	}
	locIdx := -1
	if m.LocationColumn != "" {
		if locIdx = MatchHeader(header, m.LocationColumn); locIdx < 0 {
			e.addError(result, fmt.Sprintf("location column %q not found in header %v; rows default to %s scope", m.LocationColumn, header, model.GlobalScope))
		}
	}

	batch := make([]model.Event, 0, e.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.graph.PutEvents(ctx, batch); err != nil {
			return err
		}
		result.Count += len(batch)
		batch = batch[:0]
		return nil
	}

	rowNum := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			e.addError(result, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}

		target := strings.TrimSpace(field(record, targetIdx))
		if target == "" {
			continue
		}

		date, err := NormalizeDate(field(record, dateIdx))
		if err != nil {
			// Events require a date; the row is skipped, not the job.
			e.addError(result, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}

		value := 0.0
		if valueIdx >= 0 {
			value = CleanNumber(field(record, valueIdx))
		}

		location := model.GlobalScope
		if locIdx >= 0 {
			if l := strings.TrimSpace(field(record, locIdx)); l != "" {
				location = l
			}
		}

		key := DedupKey(m.Type, target, location, date)
		ev := model.Event{
			ID:              EventID(key),
			Type:            m.Type,
			PrimaryTargetID: target,
			Value:           value,
			Timestamp:       date,
			DedupKey:        key,
		}
		if location != model.GlobalScope {
			ev.SecondaryTargetID = location
		}

		batch = append(batch, ev)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	zap.L().Info("event ingestion complete",
		zap.String("type", m.Type),
		zap.Int("count", result.Count),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// field indexes a record; short rows read as empty fields.
func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}
