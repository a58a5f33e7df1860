package util

import (
	"testing"
	"time"
)

func TestDateUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	instant := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	got := Date(instant, tokyo)
	want := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got := Date(instant, nil); !got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected UTC fallback, got %v", got)
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)
	b := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 3 {
		t.Errorf("Expected 3 days, got %d", got)
	}
	if got := DaysBetween(b, a); got != -3 {
		t.Errorf("Expected -3 days, got %d", got)
	}
}

func TestParseDue(t *testing.T) {
	want := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-05-10", "2024-05-10T18:30:00", "2024-05-10T12:00:00Z"} {
		got, err := ParseDue(in, time.UTC)
		if err != nil {
			t.Fatalf("ParseDue(%q) failed: %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseDue(%q): expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseDue("next week", time.UTC); err == nil {
		t.Errorf("Expected error for free-form date")
	}
}
