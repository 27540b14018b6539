package service

import "testing"

func TestFare_ZeroDistanceIsBaseFare(t *testing.T) {
	if got := Fare(0); got != BaseFare {
		t.Errorf("Fare(0) = %v, want %v", got, BaseFare)
	}
}

func TestFare_LinearInDistance(t *testing.T) {
	tests := []struct {
		km   float64
		want float64
	}{
		{1.0, 4.80},
		{1.77, 6.19}, // 3.0 + 1.77·1.8 = 6.186, rounded up
		{10.0, 21.00},
	}
	for _, tt := range tests {
		if got := Fare(tt.km); got != tt.want {
			t.Errorf("Fare(%v) = %v, want %v", tt.km, got, tt.want)
		}
	}
}

func TestFare_RoundsToCents(t *testing.T) {
	got := Fare(0.333) // 3.0 + 0.5994 = 3.5994 → 3.60
	if got != 3.60 {
		t.Errorf("Fare(0.333) = %v, want 3.60", got)
	}
}
