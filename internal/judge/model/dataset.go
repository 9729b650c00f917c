package model

// DatasetType tells which runner a dataset feeds.
type DatasetType string

const (
	DatasetSQL    DatasetType = "SQL"
	DatasetPandas DatasetType = "PANDAS"
)

// Dataset is the set of tables loaded before a relational or tabular run.
type Dataset struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Type   DatasetType `json:"type"`
	Tables []Table     `json:"tables"`
}

// Table is one named table with ordered columns.
type Table struct {
	Name    string                   `json:"name"`
	Columns []Column                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// Column is a declared column name and engine type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
