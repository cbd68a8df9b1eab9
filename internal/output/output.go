// Package output renders what the console prints: the token, event blocks and
// JSON documents.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/njt/go365cal/internal/dateparse"
	"github.com/njt/go365cal/libgo365"
)

// TimestampFormatter renders a Graph date-time that is local to timeZone.
type TimestampFormatter interface {
	Format(dateTime, timeZone string) (string, error)
}

// WriteJSON writes a value as JSON to the writer.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintToken writes the access token followed by a blank line.
func PrintToken(w io.Writer, token string) {
	fmt.Fprintf(w, "Access token: %s\n\n", token)
}

// PrintEvents writes the "Events:" header and one block per event. A
// timestamp that cannot be formatted is printed raw with the reason, and the
// remaining events are still written.
func PrintEvents(w io.Writer, f TimestampFormatter, events []*libgo365.Event) {
	fmt.Fprintln(w, "Events:")
	for _, e := range events {
		if e == nil {
			continue
		}
		fmt.Fprintf(w, "Subject: %s\n", e.Subject)
		fmt.Fprintf(w, "  Organizer: %s\n", e.OrganizerName())
		fmt.Fprintf(w, "  Start: %s\n", Timestamp(f, e.Start))
		fmt.Fprintf(w, "  End: %s\n", Timestamp(f, e.End))
	}
}

// Timestamp formats ts with f, falling back to the raw value.
func Timestamp(f TimestampFormatter, ts *libgo365.DateTimeTimeZone) string {
	if ts == nil {
		return ""
	}

	s, err := f.Format(ts.DateTime, ts.TimeZone)
	if err == nil {
		return s
	}

	var reason string
	switch {
	case errors.Is(err, dateparse.ErrUnknownTimeZone):
		reason = fmt.Sprintf("unknown time zone %s", ts.TimeZone)
	case errors.Is(err, dateparse.ErrInvalidDateTime):
		reason = "invalid date-time"
	default:
		reason = err.Error()
	}
	return strings.TrimSpace(ts.DateTime + " (" + reason + ")")
}
