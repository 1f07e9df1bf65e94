package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportReportCountersSumToTotal(t *testing.T) {
	report := NewImportReport(uuid.New(), "objects.xlsx", "urban_object", false, time.Now())

	report.Add(RowDetail{Row: 2, Outcome: OutcomeInserted, EntityID: 10})
	report.Add(RowDetail{Row: 3, Outcome: OutcomeUpdated, EntityID: 4})
	report.Add(RowDetail{Row: 4, Outcome: OutcomeSkippedAmbiguous, Candidates: []int64{1, 2}})
	report.Add(RowDetail{Row: 5, Outcome: OutcomeRejected, Reasons: []string{"lat: type: not a number"}})
	report.Add(RowDetail{Row: 6, Outcome: OutcomeFailed})

	assert.Equal(t, 5, report.TotalRows)
	assert.Equal(t, report.TotalRows, report.Inserted+report.Updated+report.SkippedAmbiguous+report.Rejected+report.Failed)

	detail, ok := report.Detail(4)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, detail.Candidates)
}

func TestImportReportFrozenAfterFinalize(t *testing.T) {
	report := NewImportReport(uuid.New(), "objects.csv", "urban_object", true, time.Now())
	report.Add(RowDetail{Row: 2, Outcome: OutcomeInserted})

	finished := time.Now()
	report.Finalize(finished)
	report.Add(RowDetail{Row: 3, Outcome: OutcomeInserted})

	assert.True(t, report.Finalized())
	assert.Equal(t, 1, report.TotalRows)
	assert.Len(t, report.Rows, 1)
	assert.Equal(t, finished, report.FinishedAt)
}

func TestFieldTypeFromSQL(t *testing.T) {
	cases := []struct {
		dataType, udt string
		want          FieldType
		bits          int
	}{
		{"smallint", "int2", FieldTypeInteger, 16},
		{"integer", "int4", FieldTypeInteger, 32},
		{"bigint", "int8", FieldTypeInteger, 64},
		{"double precision", "float8", FieldTypeFloat, 0},
		{"numeric", "numeric", FieldTypeDecimal, 0},
		{"character varying", "varchar", FieldTypeString, 0},
		{"USER-DEFINED", "geometry", FieldTypeGeometry, 0},
		{"USER-DEFINED", "service_kind", FieldTypeString, 0},
		{"jsonb", "jsonb", FieldTypeJSON, 0},
		{"timestamp with time zone", "timestamptz", FieldTypeTimestamp, 0},
	}
	for _, tc := range cases {
		got, bits := FieldTypeFromSQL(tc.dataType, tc.udt)
		assert.Equal(t, tc.want, got, "%s/%s", tc.dataType, tc.udt)
		assert.Equal(t, tc.bits, bits, "%s/%s", tc.dataType, tc.udt)
	}
}
