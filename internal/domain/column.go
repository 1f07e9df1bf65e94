package domain

// Reference identifies the column a foreign key points at.
type Reference struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
}

// ColumnDefinition describes one column of a target table as introspected
// from the database.
type ColumnDefinition struct {
	Name       string     `json:"name"`
	Type       FieldType  `json:"type"`
	SQLType    string     `json:"sql_type"`
	Bits       int        `json:"bits,omitempty"`
	MaxLength  int        `json:"max_length,omitempty"`
	Nullable   bool       `json:"nullable"`
	HasDefault bool       `json:"has_default"`
	Identity   bool       `json:"identity"`
	PrimaryKey bool       `json:"primary_key"`
	Unique     bool       `json:"unique"`
	Required   bool       `json:"required"`
	SRID       int        `json:"srid,omitempty"`
	Reference  *Reference `json:"reference,omitempty"`
	// Allowed maps folded labels to the value stored in the column. Nil
	// means membership is not checked before the write.
	Allowed map[string]string `json:"-"`
}

// Roles names the columns that carry matching semantics for an entity type.
type Roles struct {
	Code      string `json:"code,omitempty"`
	Name      string `json:"name,omitempty"`
	Category  string `json:"category,omitempty"`
	Geometry  string `json:"geometry,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	// Properties is a jsonb column that mapped headers are merged into.
	Properties string `json:"properties,omitempty"`
}
