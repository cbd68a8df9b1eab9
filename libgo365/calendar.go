package libgo365

import (
	"context"
	"fmt"
)

// Event represents a calendar event from Microsoft Graph
type Event struct {
	Subject   string            `json:"subject,omitempty"`
	Organizer *Recipient        `json:"organizer,omitempty"`
	Start     *DateTimeTimeZone `json:"start,omitempty"`
	End       *DateTimeTimeZone `json:"end,omitempty"`
}

// DateTimeTimeZone represents a date/time with timezone from Graph API.
// DateTime carries no offset; TimeZone names the zone it is local to.
type DateTimeTimeZone struct {
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Recipient represents an event organizer or attendee
type Recipient struct {
	EmailAddress *EmailAddress `json:"emailAddress,omitempty"`
}

// EmailAddress represents an email address
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// OrganizerName returns the organizer's display name, or "" if absent.
func (e *Event) OrganizerName() string {
	if e.Organizer == nil || e.Organizer.EmailAddress == nil {
		return ""
	}
	return e.Organizer.EmailAddress.Name
}

// EventList represents a list of events returned by Graph API
type EventList struct {
	Value    []*Event `json:"value"`
	NextLink string   `json:"@odata.nextLink,omitempty"`
}

// eventsPath selects only the fields the console prints.
const eventsPath = "/me/events?$select=subject,organizer,start,end"

// ListEvents retrieves the first page of the signed-in user's events.
// Further pages behind @odata.nextLink are not fetched.
func (c *Client) ListEvents(ctx context.Context) ([]*Event, error) {
	var eventList EventList
	if err := c.getJSON(ctx, eventsPath, &eventList); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	if eventList.NextLink != "" {
		c.logger.Debug("more events available, only the first page is returned")
	}
	if eventList.Value == nil {
		return []*Event{}, nil
	}
	return eventList.Value, nil
}
