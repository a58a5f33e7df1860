// Package colors picks Google Calendar color ids for project calendars and
// task events.
package colors

import (
	"sort"
	"strconv"
)

const (
	// Overdue is the event color of an overdue task (Tomato).
	Overdue = "11"
	// Default leaves an event on its calendar's color.
	Default = ""

	// calendarColors is the size of the calendar palette, ids 1 to 24.
	calendarColors = 24
)

// ForEvent returns the event color for a task's overdue state.
func ForEvent(overdue bool) string {
	if overdue {
		return Overdue
	}
	return Default
}

// Palette assigns calendar colors so that sibling project calendars differ.
type Palette struct {
	uses map[string]int
	// order records when a color was last handed out, for tie breaks.
	order map[string]int
	clock int
}

// NewPalette creates a palette seeded with the colors already in use.
func NewPalette(inUse []string) *Palette {
	p := &Palette{uses: map[string]int{}, order: map[string]int{}}
	for _, id := range inUse {
		p.Claim(id)
	}
	return p
}

// Claim records a color as used.
func (p *Palette) Claim(id string) {
	if id == "" {
		return
	}
	p.clock++
	p.uses[id]++
	p.order[id] = p.clock
}

// Release forgets one use of a color, when its calendar is deleted.
func (p *Palette) Release(id string) {
	if p.uses[id] > 0 {
		p.uses[id]--
	}
}

// Next returns a color for a new calendar and claims it. Unused colors come
// first in palette order; once all are taken the least used color wins, and
// among those the one handed out longest ago.
func (p *Palette) Next() string {
	for i := 1; i <= calendarColors; i++ {
		id := strconv.Itoa(i)
		if p.uses[id] == 0 {
			p.Claim(id)
			return id
		}
	}

	ids := make([]string, 0, calendarColors)
	for i := 1; i <= calendarColors; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	sort.SliceStable(ids, func(a, b int) bool {
		ua, ub := p.uses[ids[a]], p.uses[ids[b]]
		if ua != ub {
			return ua < ub
		}
		return p.order[ids[a]] < p.order[ids[b]]
	})
	p.Claim(ids[0])
	return ids[0]
}
