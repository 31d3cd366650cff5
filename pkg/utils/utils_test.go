package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{999 * time.Millisecond, "0:00"},
		{65 * time.Second, "1:05"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}

func TestUnixSeconds(t *testing.T) {
	assert.Zero(t, UnixSeconds(time.Time{}))
	assert.Equal(t, int64(1700000000), UnixSeconds(time.Unix(1700000000, 0)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "Alice", SanitizeString("  Al\x00ice\n"))
	assert.Equal(t, "", SanitizeString("\t\r\n"))
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "eyJh****", MaskSensitive("eyJhbGci", 4))
	assert.Equal(t, "***", MaskSensitive("abc", 4))
}
