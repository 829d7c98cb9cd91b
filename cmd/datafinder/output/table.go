// Package output renders pulled resources as tables and exports them.
package output

import (
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/SanteonNL/datafinder/cmd/datafinder/pull"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/cmd/datafinder/values"
)

// CSVMimeType is the type of Table.Blob
const CSVMimeType = "text/plain;charset=utf-8"

// CellExtractor renders one column of a resource, see values.Extractor
type CellExtractor interface {
	Extract(res resource.Resource, column types.ColumnDescription, patient resource.Resource) values.Cell
}

type Row struct {
	Reference string
	Cells     []values.Cell
}

// Table collects the rows of a pull. It implements pull.Observer.
type Table struct {
	resourceType   string
	columns        []types.ColumnDescription
	extractor      CellExtractor
	serviceBaseURL string

	mu       sync.RWMutex
	rows     []Row
	complete bool
	err      error
}

var _ pull.Observer = (*Table)(nil)

// NewTable creates a table for the resolved columns of resourceType. Cells
// are rendered for the visible columns, or for all columns when none is
// visible.
func NewTable(resourceType string, columns []types.ColumnDescription, extractor CellExtractor, serviceBaseURL string) *Table {
	return &Table{
		resourceType:   resourceType,
		columns:        displayColumns(columns),
		extractor:      extractor,
		serviceBaseURL: serviceBaseURL,
	}
}

func displayColumns(columns []types.ColumnDescription) []types.ColumnDescription {
	var visible []types.ColumnDescription
	for _, c := range columns {
		if c.Visible {
			visible = append(visible, c)
		}
	}
	if len(visible) == 0 {
		return columns
	}
	return visible
}

func (t *Table) Next(rec pull.Record) {
	row := Row{Reference: rec.Resource.Reference(), Cells: make([]values.Cell, len(t.columns))}
	for i, col := range t.columns {
		row.Cells[i] = t.extractor.Extract(rec.Resource, col, rec.Patient)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, row)
}

func (t *Table) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete = true
}

func (t *Table) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Columns are the columns the table displays.
func (t *Table) Columns() []types.ColumnDescription {
	return t.columns
}

// Rows returns a snapshot of the collected rows.
func (t *Table) Rows() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Row(nil), t.rows...)
}

// Err returns the error the pull failed with.
func (t *Table) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Completed reports whether the pull completed.
func (t *Table) Completed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.complete
}

// Blob exports the table as CSV.
func (t *Table) Blob() (string, []byte) {
	header := make([]string, len(t.columns))
	for i, c := range t.columns {
		header[i] = c.DisplayName
	}
	rows := t.Rows()
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		record := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			record[i] = cell.String()
		}
		records = append(records, record)
	}
	return CSVMimeType, CSV(header, records)
}
