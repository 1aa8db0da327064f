package prescription

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestListConditionsTreatsNameAsLiteral(t *testing.T) {
	cond, args := listConditions(Filter{MedicationName: "50%_mg"})

	assert.NotContains(t, cond, "LIKE")
	assert.Contains(t, cond, "strpos(lower(p.medication_name), lower($1)) > 0")
	assert.Equal(t, []any{"50%_mg"}, args)

	p := &Prescription{MedicationName: "Losartan 50mg"}
	assert.False(t, Filter{MedicationName: "50%_mg"}.Matches(p))
	assert.True(t, Filter{MedicationName: "SARTAN"}.Matches(p))
}

func TestListConditionsNumbersPlaceholders(t *testing.T) {
	patient := uuid.New()
	cond, args := listConditions(Filter{
		PatientID:      &patient,
		Document:       "171-234",
		DocumentNorm:   "171234",
		MedicationName: "losartan",
		StatusLabel:    LabelActive,
		Today:          day(1, 15),
	})

	assert.Contains(t, cond, "p.patient_id = $1")
	assert.Contains(t, cond, "pa.document_id = $2")
	assert.Contains(t, cond, "= $3)")
	assert.Contains(t, cond, "lower($4)")
	assert.Contains(t, cond, "$5::date")
	assert.Len(t, args, 5)
}
