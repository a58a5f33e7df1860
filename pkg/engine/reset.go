package engine

import (
	"context"
	"errors"
	"fmt"
)

// Reset deletes every project calendar the store knows about. The caller
// removes the state database afterwards.
func (e *Engine) Reset(ctx context.Context) error {
	cals, err := e.store.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}
	var errs []error
	for i := range cals {
		if err := e.deleteCalendar(ctx, &cals[i]); err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", cals[i].Name, err))
		}
	}
	return errors.Join(errs...)
}
