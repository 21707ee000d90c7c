package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMunicipality(t *testing.T) {
	tests := []struct {
		input, expected string
	}{
		{"1", "00001"},
		{"1001", "01001"},
		{"01001", "01001"},
		{"1001.0", "01001"},
		{" 19039 ", "19039"},
		{"", ""},
		{"nan", ""},
		{"NaN", ""},
		{"1001.5", "1001.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Municipality(tt.input, MunicipalityWidth), "input: %q", tt.input)
	}
}

func TestMunicipality_NumericMatchesString(t *testing.T) {
	assert.Equal(t, Municipality("00001", 5), Municipality("1", 5))
	assert.Equal(t, Municipality("1.0", 5), Municipality("00001", 5))
}

func TestSector(t *testing.T) {
	assert.Equal(t, "33", Sector("3363"))
	assert.Equal(t, "31", Sector("311111"))
	assert.Equal(t, "32", Sector("3261.0"))
	assert.Equal(t, "", Sector("3"))
	assert.Equal(t, "", Sector(""))
}

func TestID(t *testing.T) {
	assert.Equal(t, "42", ID("42.0"))
	assert.Equal(t, "A-7", ID(" A-7 "))
}
