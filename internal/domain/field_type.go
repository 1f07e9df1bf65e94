package domain

import "strings"

// FieldType is the coercion target for a database column.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeDecimal   FieldType = "decimal"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
	FieldTypeJSON      FieldType = "json"
	FieldTypeUUID      FieldType = "uuid"
	FieldTypeGeometry  FieldType = "geometry"
)

// sqlTypeAliases maps Postgres type names (both information_schema data_type
// and udt_name spellings) to field types and integer bit sizes.
var sqlTypeAliases = map[string]struct {
	fieldType FieldType
	bits      int
}{
	"smallint":                    {FieldTypeInteger, 16},
	"int2":                        {FieldTypeInteger, 16},
	"integer":                     {FieldTypeInteger, 32},
	"int":                         {FieldTypeInteger, 32},
	"int4":                        {FieldTypeInteger, 32},
	"bigint":                      {FieldTypeInteger, 64},
	"int8":                        {FieldTypeInteger, 64},
	"real":                        {FieldTypeFloat, 0},
	"float4":                      {FieldTypeFloat, 0},
	"double precision":            {FieldTypeFloat, 0},
	"float8":                      {FieldTypeFloat, 0},
	"numeric":                     {FieldTypeDecimal, 0},
	"decimal":                     {FieldTypeDecimal, 0},
	"boolean":                     {FieldTypeBoolean, 0},
	"bool":                        {FieldTypeBoolean, 0},
	"text":                        {FieldTypeString, 0},
	"character varying":           {FieldTypeString, 0},
	"varchar":                     {FieldTypeString, 0},
	"character":                   {FieldTypeString, 0},
	"bpchar":                      {FieldTypeString, 0},
	"citext":                      {FieldTypeString, 0},
	"timestamp without time zone": {FieldTypeTimestamp, 0},
	"timestamp with time zone":    {FieldTypeTimestamp, 0},
	"timestamp":                   {FieldTypeTimestamp, 0},
	"timestamptz":                 {FieldTypeTimestamp, 0},
	"date":                        {FieldTypeDate, 0},
	"json":                        {FieldTypeJSON, 0},
	"jsonb":                       {FieldTypeJSON, 0},
	"uuid":                        {FieldTypeUUID, 0},
	"geometry":                    {FieldTypeGeometry, 0},
}

// FieldTypeFromSQL resolves a column's field type from its information_schema
// data_type and udt_name. Unknown types fall back to string so the database
// performs the final cast. Integer columns also report their bit size.
func FieldTypeFromSQL(dataType, udtName string) (FieldType, int) {
	for _, name := range []string{udtName, dataType} {
		if alias, ok := sqlTypeAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
			return alias.fieldType, alias.bits
		}
	}
	return FieldTypeString, 0
}

// IsTextual reports whether values of the type are stored as text.
func (t FieldType) IsTextual() bool {
	return t == FieldTypeString
}
