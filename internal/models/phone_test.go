package models

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"country code with space", "+49 170 1234567", "+49 1701234567"},
		{"no space takes longest country code", "+4917012345", "+491 7012345"},
		{"extra whitespace", "  +1   555  0100  ", "+1 5550100"},
		{"no country code", "0170 123 4567", "01701234567"},
		{"country code only", "+49", "+49"},
		{"three digit country code", "+358 40 1234567", "+358 401234567"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePhone(tt.input); got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePhoneStableKey(t *testing.T) {
	a := NormalizePhone("+49 170 1234567")
	b := NormalizePhone("+49   1701234567")
	if a != b {
		t.Errorf("equivalent numbers normalize differently: %q vs %q", a, b)
	}
}
