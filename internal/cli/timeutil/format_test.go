package timeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"30s", "30s"},
		{"5m30s", "5m 30s"},
		{"2h15m0s", "2h 15m 0s"},
		{"72h30m15s", "3d 0h 30m 15s"},
		{"not-a-duration", "not-a-duration"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.input), tt.input)
	}
}

func TestFormatTimeInvalidInput(t *testing.T) {
	assert.Equal(t, "garbage", FormatTime("garbage"))
}

func TestFormatTimeParsesRFC3339(t *testing.T) {
	got := FormatTime("2026-08-25T10:30:00Z")
	assert.NotEqual(t, "2026-08-25T10:30:00Z", got)
	assert.Contains(t, got, "2026")
}
