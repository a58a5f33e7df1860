package colors

import (
	"strconv"
	"testing"
)

func TestForEvent(t *testing.T) {
	if got := ForEvent(true); got != "11" {
		t.Errorf("Expected overdue color 11, got %q", got)
	}
	if got := ForEvent(false); got != "" {
		t.Errorf("Expected default color, got %q", got)
	}
}

func TestNextPrefersUnused(t *testing.T) {
	p := NewPalette([]string{"1", "2", "", "4"})
	if got := p.Next(); got != "3" {
		t.Errorf("Expected 3, got %s", got)
	}
	if got := p.Next(); got != "5" {
		t.Errorf("Expected 5, got %s", got)
	}
}

func TestNextRecyclesLeastUsed(t *testing.T) {
	var all []string
	for i := 1; i <= 24; i++ {
		all = append(all, strconv.Itoa(i))
	}
	p := NewPalette(all)
	p.Claim("1")

	if got := p.Next(); got != "2" {
		t.Errorf("Expected oldest single-use color 2, got %s", got)
	}
	p.Release("7")
	p.Release("7")
	if got := p.Next(); got != "7" {
		t.Errorf("Expected released color 7, got %s", got)
	}
}
