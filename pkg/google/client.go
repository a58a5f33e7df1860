package google

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// NewClient creates a new Google Calendar client over an authorized HTTP
// client, as returned by auth.GetClient.
func NewClient(ctx context.Context, httpClient *http.Client, logger *log.Logger, opts ...option.ClientOption) (*CalendarClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %v", err)
	}
	return NewCalendarClient(srv, logger), nil
}
