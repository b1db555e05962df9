package models

import "time"

// Row is one record of an uploaded dataset, keyed by column name.
type Row map[string]string

// ColumnDef is an inferred column definition.
type ColumnDef struct {
	Name       string `json:"name"`
	Type       string `json:"type"`                  // "string", "number", "reference"
	EntityKind string `json:"entity_kind,omitempty"` // Set for reference columns
	Multi      bool   `json:"multi,omitempty"`       // Comma-separated list of references
}

// Column types
const (
	ColumnTypeString    = "string"
	ColumnTypeNumber    = "number"
	ColumnTypeReference = "reference"
)

// Dataset is the parsed source file owned by exactly one import job.
// AllRows lives in a separate DatasetRows record so Fetch never loads it.
type Dataset struct {
	ID             string      `json:"id" badgerhold:"key"`
	JobID          string      `json:"job_id" badgerhold:"index"`
	Name           string      `json:"name"`
	RowCount       int         `json:"row_count"`
	SampleRowCount int         `json:"sample_row_count"`
	Truncated      bool        `json:"truncated"`
	RowsRetained   bool        `json:"rows_retained"`
	Schema         []ColumnDef `json:"schema"`
	SampleRows     []Row       `json:"sample_rows"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReferenceColumns returns the schema columns that reference catalog entities.
func (d *Dataset) ReferenceColumns() []ColumnDef {
	var cols []ColumnDef
	for _, c := range d.Schema {
		if c.EntityKind != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

// DatasetRows holds the full row set when it was small enough to retain.
type DatasetRows struct {
	DatasetID string `json:"dataset_id" badgerhold:"key"`
	Rows      []Row  `json:"rows"`
}

// DatasetDetail is the read-only dataset detail contract.
type DatasetDetail struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Name       string      `json:"name"`
	RowCount   int         `json:"row_count"`
	Truncated  bool        `json:"truncated"`
	Schema     []ColumnDef `json:"schema"`
	SampleRows []Row       `json:"sample_rows"`
	AllRows    []Row       `json:"all_rows,omitempty"`
}
