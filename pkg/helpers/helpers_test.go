package helpers

import "testing"

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{0, 2, "0"},
		{100, 2, "1"},
		{250, 2, "2.5"},
		{255, 2, "2.55"},
		{1, 2, "0.01"},
		{1000, 0, "1000"},
		{123456, 2, "1234.56"},
	}

	for _, tt := range tests {
		got := FormatAmount(tt.amount, tt.decimals)
		if got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		s        string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 2, 100, false},
		{"2.5", 2, 250, false},
		{"2.55", 2, 255, false},
		{"0.01", 2, 1, false},
		{"", 2, 0, true},
		{"abc", 2, 0, true},
		{"1.2.3", 2, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.s, tt.decimals)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.s, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}
}

func TestAmountRoundTrip(t *testing.T) {
	for _, amount := range []uint64{0, 1, 99, 100, 250, 999999} {
		s := CentsToDisplay(amount)
		back, err := DisplayToCents(s)
		if err != nil {
			t.Fatalf("DisplayToCents(%q) error = %v", s, err)
		}
		if back != amount {
			t.Errorf("round trip %d -> %q -> %d", amount, s, back)
		}
	}
}

func TestTokensToDisplay(t *testing.T) {
	if got := TokensToDisplay(100, 10); got != "10.00" {
		t.Errorf("TokensToDisplay(100, 10) = %q, want %q", got, "10.00")
	}
	if got := TokensToDisplay(42, 0); got != "42" {
		t.Errorf("TokensToDisplay(42, 0) = %q, want %q", got, "42")
	}
}
