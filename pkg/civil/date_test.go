package civil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Date
	}{
		{"2024-01-31", NewDate(2024, time.January, 31)},
		{" 2024-02-29 ", NewDate(2024, time.February, 29)},
		{"2024-03-01T23:10:00Z", NewDate(2024, time.March, 1)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(tt.want), "%s: got %s", tt.in, got)
	}

	_, err := Parse("31/01/2024")
	assert.Error(t, err)
}

func TestDaysUntil(t *testing.T) {
	start := NewDate(2024, time.January, 1)
	assert.Equal(t, 30, start.DaysUntil(NewDate(2024, time.January, 31)))
	assert.Equal(t, 0, start.DaysUntil(start))
	assert.Equal(t, -1, start.DaysUntil(start.AddDays(-1)))
	assert.Equal(t, 366, start.DaysUntil(NewDate(2025, time.January, 1)))
}

func TestDateJSON(t *testing.T) {
	type payload struct {
		Day  Date  `json:"day"`
		Next *Date `json:"next,omitempty"`
	}

	b, err := json.Marshal(payload{Day: NewDate(2024, time.May, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"day":"2024-05-02"}`, string(b))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"day":"2024-06-10","next":"2024-06-20"}`), &p))
	assert.Equal(t, "2024-06-10", p.Day.String())
	require.NotNil(t, p.Next)
	assert.Equal(t, "2024-06-20", p.Next.String())

	assert.Error(t, json.Unmarshal([]byte(`{"day":20240610}`), &p))
}

func TestDateOfTruncatesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2024, time.January, 31, 22, 0, 0, 0, loc)
	assert.Equal(t, "2024-02-01", DateOf(ts).String())
}

func TestYearsUntil(t *testing.T) {
	dob := NewDate(2006, time.March, 15)
	assert.Equal(t, 17, dob.YearsUntil(NewDate(2024, time.March, 14)))
	assert.Equal(t, 18, dob.YearsUntil(NewDate(2024, time.March, 15)))
	assert.Equal(t, 18, dob.YearsUntil(NewDate(2025, time.January, 2)))
	assert.Equal(t, 0, dob.YearsUntil(dob))
}
