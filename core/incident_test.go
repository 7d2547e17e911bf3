package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := Severities()
	require.Len(t, ordered, 4)
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s should rank above %s", ordered[i], ordered[i-1])
	}
}

func TestSeverityAtLeast(t *testing.T) {
	tests := []struct {
		name string
		s    Severity
		min  Severity
		want bool
	}{
		{"equal", SeverityHigh, SeverityHigh, true},
		{"above", SeverityCritical, SeverityLow, true},
		{"below", SeverityMedium, SeverityHigh, false},
		{"unknown severity never passes", Severity("bogus"), SeverityLow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.AtLeast(tt.min))
		})
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("  CRITICAL ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
}

func TestCategoryOf(t *testing.T) {
	c, ok := CategoryOf("ransomware")
	require.True(t, ok)
	assert.Equal(t, CategorySecurity, c)

	c, ok = CategoryOf("DDoS")
	require.True(t, ok, "lookup should be case-insensitive")
	assert.Equal(t, CategoryAvailability, c)

	_, ok = CategoryOf("made_up_type")
	assert.False(t, ok)
}

func TestRegisterIncidentType(t *testing.T) {
	require.NoError(t, RegisterIncidentType("vendor_breach", CategorySecurity))
	c, ok := CategoryOf("vendor_breach")
	require.True(t, ok)
	assert.Equal(t, CategorySecurity, c)

	assert.Error(t, RegisterIncidentType("", CategorySecurity))
	assert.Error(t, RegisterIncidentType("x", Category("nope")))
}

func TestNewIncidentID(t *testing.T) {
	id := NewIncidentID()
	assert.Regexp(t, `^inc-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewIncidentID())
}
