package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("REELPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("REELPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 2},
		{"8", 8},
		{" 4 ", 4},
		{"0", 2},
		{"-3", 2},
		{"many", 2},
	}
	for _, tt := range tests {
		t.Setenv("REELPIPE_TEST_INT", tt.value)
		if got := ParseIntEnv("REELPIPE_TEST_INT", 2); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("REELPIPE_TEST_DUR", "90s")
	if got := ParseDurationEnv("REELPIPE_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	t.Setenv("REELPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("REELPIPE_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default", got)
	}
}

func TestFirstEnv(t *testing.T) {
	t.Setenv("REELPIPE_A", "")
	t.Setenv("REELPIPE_B", "groq-key")
	t.Setenv("REELPIPE_C", "openai-key")
	if got := FirstEnv("REELPIPE_A", "REELPIPE_B", "REELPIPE_C"); got != "groq-key" {
		t.Errorf("FirstEnv = %q", got)
	}
	if got := FirstEnv("REELPIPE_A"); got != "" {
		t.Errorf("FirstEnv = %q, want empty", got)
	}
}
